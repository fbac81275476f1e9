package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-beekeeper/pkg/logging"
)

type HealthCheckType string

const (
	HealthCheckTypeWebSocket HealthCheckType = "websocket"
	HealthCheckTypeTCP       HealthCheckType = "tcp"
	HealthCheckTypeGRPC      HealthCheckType = "grpc"
	HealthCheckTypeProcess   HealthCheckType = "process"
)

type WebSocketHealthCheckConfig struct {
	Path string `yaml:"path,omitempty"`
}

type GRPCHealthCheckConfig struct {
	// Service is the name passed to Health/Check; empty asks about the
	// server as a whole.
	Service string `yaml:"service,omitempty"`
}

type HealthCheckConfig struct {
	Type HealthCheckType `yaml:"type"`

	WebSocket WebSocketHealthCheckConfig `yaml:"websocket,omitempty"`
	GRPC      GRPCHealthCheckConfig      `yaml:"grpc,omitempty"`

	RunOptions HealthCheckRunOptions `yaml:",inline"`
}

type HealthCheckRunOptions struct {
	Interval     time.Duration `yaml:"interval,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`
}

type HealthCheckStatus string

const (
	HealthCheckStatusUnknown   HealthCheckStatus = "unknown"
	HealthCheckStatusHealthy   HealthCheckStatus = "healthy"
	HealthCheckStatusDegraded  HealthCheckStatus = "degraded"
	HealthCheckStatusUnhealthy HealthCheckStatus = "unhealthy"
)

type HealthCheckState struct {
	Status               HealthCheckStatus
	LastCheck            time.Time
	Message              string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}

// ProbeResult is the outcome of one probe.
type ProbeResult struct {
	Type     HealthCheckType
	Healthy  bool
	Message  string
	Duration time.Duration
}

// HealthResultCallback receives every probe result from the monitor loop.
// It runs on the monitor goroutine, so it must not wait for Stop.
type HealthResultCallback func(result ProbeResult)

type HealthMonitor interface {
	Start(ctx context.Context) error
	Stop()
	State() HealthCheckState
	CheckNow(ctx context.Context) ProbeResult
}

type healthMonitor struct {
	config   HealthCheckConfig
	target   Target
	state    HealthCheckState
	callback HealthResultCallback
	stopChan chan struct{}
	stopOnce sync.Once
	started  bool
	wg       sync.WaitGroup
	mutex    sync.Mutex
	logger   logging.Logger
	id       string
}

func NewHealthMonitor(config HealthCheckConfig, target Target, id string, callback HealthResultCallback, logger logging.Logger) HealthMonitor {
	config = WithDefaults(config)
	return &healthMonitor{
		config:   config,
		target:   target,
		state:    HealthCheckState{Status: HealthCheckStatusUnknown},
		callback: callback,
		stopChan: make(chan struct{}),
		logger:   logger,
		id:       id,
	}
}

// WithDefaults fills unset type and timings.
func WithDefaults(config HealthCheckConfig) HealthCheckConfig {
	if config.Type == "" {
		config.Type = HealthCheckTypeWebSocket
	}
	if config.RunOptions.Interval <= 0 {
		config.RunOptions.Interval = time.Second
	}
	if config.RunOptions.Timeout <= 0 {
		config.RunOptions.Timeout = DefaultProbeTimeout
	}
	return config
}

func (h *healthMonitor) Start(ctx context.Context) error {
	if err := ValidateHealthCheckConfig(h.config); err != nil {
		h.logger.Errorf("Health check configuration validation failed, id: %s, error: %v", h.id, err)
		return err
	}

	h.mutex.Lock()
	h.started = true
	h.mutex.Unlock()

	h.logger.Infof("Starting health monitor, id: %s, type: %s, interval: %v", h.id, h.config.Type, h.config.RunOptions.Interval)

	h.wg.Add(1)
	go h.loop(ctx)
	return nil
}

// Stop is idempotent and waits for the loop to exit.
func (h *healthMonitor) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)
	})
	h.wg.Wait()

	h.mutex.Lock()
	started := h.started
	h.started = false
	h.mutex.Unlock()
	if started {
		h.logger.Infof("Health monitor stopped, id: %s", h.id)
	}
}

func (h *healthMonitor) State() HealthCheckState {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.state
}

// CheckNow probes once and updates the state without invoking the callback.
func (h *healthMonitor) CheckNow(ctx context.Context) ProbeResult {
	result := RunProbe(ctx, h.config, h.target)
	h.updateState(result.Healthy, result.Message)
	return result
}

func (h *healthMonitor) loop(ctx context.Context) {
	defer h.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	if h.config.RunOptions.InitialDelay > 0 {
		select {
		case <-time.After(h.config.RunOptions.InitialDelay):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(h.config.RunOptions.Interval)
	defer ticker.Stop()

	h.performCheck(ctx)
	for {
		select {
		case <-ticker.C:
			h.performCheck(ctx)
		case <-ctx.Done():
			h.logger.Debugf("Health monitor loop stopping, id: %s", h.id)
			return
		}
	}
}

func (h *healthMonitor) performCheck(ctx context.Context) {
	h.logger.Debugf("Performing health check, id: %s, type: %s", h.id, h.config.Type)
	result := RunProbe(ctx, h.config, h.target)
	if ctx.Err() != nil {
		// Stopped mid-probe; the result says nothing about the bee.
		return
	}
	h.updateState(result.Healthy, result.Message)
	if h.callback != nil {
		h.callback(result)
	}
}

func (h *healthMonitor) updateState(healthy bool, message string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	previous := h.state.Status
	h.state.LastCheck = time.Now()
	h.state.Message = message

	if healthy {
		h.state.ConsecutiveSuccesses++
		h.state.ConsecutiveFailures = 0
		if previous != HealthCheckStatusHealthy {
			h.state.Status = HealthCheckStatusHealthy
			h.logger.Infof("Health check passed, id: %s, previous: %s", h.id, previous)
		}
		return
	}

	h.state.ConsecutiveFailures++
	h.state.ConsecutiveSuccesses = 0

	newStatus := HealthCheckStatusUnhealthy
	if h.state.ConsecutiveFailures == 1 {
		newStatus = HealthCheckStatusDegraded
	}
	if previous != newStatus {
		h.state.Status = newStatus
		h.logger.Warnf("Health check status changed, id: %s, status: %s->%s, consecutive_failures: %d, message: %s",
			h.id, previous, newStatus, h.state.ConsecutiveFailures, message)
	} else {
		h.logger.Debugf("Health check failed, id: %s, consecutive_failures: %d, message: %s",
			h.id, h.state.ConsecutiveFailures, message)
	}
}
