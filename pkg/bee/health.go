package bee

import (
	"context"
	"fmt"
	"time"

	"github.com/core-tools/hsu-beekeeper/pkg/errors"
	"github.com/core-tools/hsu-beekeeper/pkg/monitoring"
)

// WsPing sends a WebSocket ping to ws://localhost:<port>/ and reports
// whether a pong arrived within the probe timeout. It never fails and
// does not touch the lifecycle state: a live process that does not answer
// is running but not pinging.
func (b *Bee) WsPing(ctx context.Context) bool {
	b.mutex.RLock()
	port := b.port
	timeout := b.probeConfig.RunOptions.Timeout
	path := b.probeConfig.WebSocket.Path
	b.mutex.RUnlock()

	if port == 0 {
		return false
	}

	start := time.Now()
	err := monitoring.WebSocketPing(ctx, monitoring.WebSocketURL(monitoring.Target{Port: port}, path), timeout)
	b.metrics.HealthProbe(b.id, string(monitoring.HealthCheckTypeWebSocket), err == nil, time.Since(start))
	if err != nil {
		b.logger.Debugf("WebSocket ping failed, id: %s, port: %d, error: %v", b.id, port, err)
		return false
	}
	return true
}

// CheckHealth runs the configured probe once and records the result, moving
// the bee between healthy and unhealthy. A failing probe is not an error.
func (b *Bee) CheckHealth(ctx context.Context) (bool, error) {
	b.mutex.RLock()
	state := b.state
	config := b.probeConfig
	target := monitoring.Target{Port: b.port, PID: b.pidUnderLock()}
	b.mutex.RUnlock()

	if !state.IsActive() {
		return false, errors.NewPreconditionError(
			fmt.Sprintf("cannot check health in state '%s'", state), nil).
			WithContext("id", b.id).WithContext("current_state", string(state))
	}

	result := monitoring.RunProbe(ctx, config, target)
	b.recordHealth(result)
	return result.Healthy, nil
}

// recordHealth is also the health monitor's callback.
func (b *Bee) recordHealth(result monitoring.ProbeResult) {
	b.metrics.HealthProbe(b.id, string(result.Type), result.Healthy, result.Duration)

	b.mutex.Lock()
	defer b.mutex.Unlock()

	// results racing a kill or an exit are stale
	if !b.state.IsActive() {
		return
	}

	b.healthy = result.Healthy
	next := StateUnhealthy
	if result.Healthy {
		next = StateHealthy
	}
	if b.state == next {
		return
	}
	if !result.Healthy {
		b.logger.Warnf("Bee unhealthy, id: %s, message: %s", b.id, result.Message)
	}
	if err := b.transitionUnderLock(next); err != nil {
		b.logger.Errorf("Health state not recorded, id: %s, error: %v", b.id, err)
	}
}

// Healthy is the flag from the last probe.
func (b *Bee) Healthy() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.healthy
}

// WaitHealthy probes every interval until the bee answers. It gives up with
// a timeout error when ctx expires and with a process error when the
// process exits first.
func (b *Bee) WaitHealthy(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	exited := b.Exited()
	if exited == nil {
		return errors.NewPreconditionError("bee has not been started", nil).WithContext("id", b.id)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		healthy, err := b.CheckHealth(ctx)
		if err != nil {
			select {
			case <-exited:
				return errors.NewProcessError("process exited before becoming healthy", err).WithContext("id", b.id)
			default:
				return err
			}
		}
		if healthy {
			return nil
		}

		select {
		case <-ticker.C:
		case <-exited:
			return errors.NewProcessError("process exited before becoming healthy", nil).
				WithContext("id", b.id).WithContext("exit_code", b.Status().ExitCode)
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return errors.NewTimeoutError("bee did not become healthy in time", ctx.Err()).WithContext("id", b.id)
			}
			return errors.NewCancelledError("wait for health cancelled", ctx.Err()).WithContext("id", b.id)
		}
	}
}
