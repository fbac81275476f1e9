package hive

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phayes/freeport"

	"github.com/core-tools/hsu-beekeeper/pkg/bee"
	"github.com/core-tools/hsu-beekeeper/pkg/diagnostics"
	"github.com/core-tools/hsu-beekeeper/pkg/errors"
	"github.com/core-tools/hsu-beekeeper/pkg/logging"
	"github.com/core-tools/hsu-beekeeper/pkg/metrics"
)

type RunOptions struct {
	// ConfigFile is read when Config is nil.
	ConfigFile string
	Config     *HiveConfig

	// Duration stops the hive after this long. Zero runs until a signal
	// arrives or every bee has exited.
	Duration time.Duration
}

// RunReport describes how a run ended.
type RunReport struct {
	Statuses []bee.Status

	// Archives maps a bee ID to the debug archive generated for it.
	Archives map[string]string

	MetricsAddress string
}

// Run starts every bee of a hive file, supervises them until a signal, the
// run duration or the exit of every bee, archives the ones that failed, then
// kills and cleans up everything.
func Run(ctx context.Context, options RunOptions, logger logging.Logger) (*RunReport, error) {
	logger.Infof("Hive runner starting...")

	config := options.Config
	if config == nil {
		logger.Infof("Using CONFIGURATION FILE: %s", options.ConfigFile)
		loaded, err := LoadConfigFromFile(options.ConfigFile)
		if err != nil {
			return nil, errors.NewIOError("failed to load configuration", err).WithContext("config_file", options.ConfigFile)
		}
		config = loaded
	}

	// a config built in code never went through ParseConfig
	setConfigDefaults(config)

	if err := ValidateConfig(config); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", options.ConfigFile)
	}

	report := &RunReport{Archives: make(map[string]string)}

	var collector metrics.Collector = metrics.NewNoopCollector()
	if config.Hive.MetricsPort != 0 {
		prometheusCollector := metrics.NewPrometheusCollector("")
		server, address, err := serveMetrics(config.Hive.MetricsPort, prometheusCollector, logger)
		if err != nil {
			return nil, err
		}
		defer shutdownMetrics(server, logger)
		collector = prometheusCollector
		report.MetricsAddress = address
	}

	bees, err := CreateBeesFromConfig(config, collector, logger)
	if err != nil {
		return nil, errors.NewValidationError("failed to create bees from configuration", err)
	}

	h := NewHive(logger)
	defer func() {
		// Reset context to background so cleanup is not cut short
		if err := h.CleanupAll(context.Background()); err != nil {
			logger.Errorf("Hive cleanup failed: %v", err)
		}
	}()

	for _, b := range bees {
		if err := h.Add(b); err != nil {
			return nil, err
		}
	}

	beeConfigs := make(map[string]BeeConfig, len(config.Bees))
	for _, beeConfig := range config.Bees {
		beeConfigs[beeConfig.ID] = beeConfig
	}

	specs, err := buildStartSpecs(h.Bees(), beeConfigs)
	if err != nil {
		return nil, err
	}

	if options.Duration > 0 {
		logger.Infof("Using RUN DURATION of %v", options.Duration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.Duration)
		defer cancel()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	runErrors := errors.NewErrorCollection()

	logger.Infof("Starting %d bees...", h.Len())
	if err := h.StartAll(ctx, specs); err != nil {
		logger.Errorf("Some bees failed to start: %v", err)
		runErrors.Add(err)
	}

	if config.Hive.WaitHealthy > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, config.Hive.WaitHealthy)
		if err := h.WaitHealthyAll(waitCtx); err != nil {
			logger.Warnf("Some bees did not become healthy within %v: %v", config.Hive.WaitHealthy, err)
		}
		cancel()
	}

	logger.Infof("Hive is ready, bees: %d", h.Len())

	select {
	case receivedSignal := <-sig:
		logger.Infof("Hive runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Hive runner finished: %v", ctx.Err())
	case <-allExited(h.Bees()):
		logger.Warnf("Every bee has exited")
	}

	if *config.Hive.ArchiveOnFailure {
		format, _ := diagnostics.ParseFormat(config.Hive.ArchiveFormat)
		archiveFailures(h, bee.ArchiveOptions{Format: format, Directory: config.Hive.ArchiveDirectory}, report, logger)
	}

	logger.Infof("Stopping bees...")
	killErr := h.KillAll(context.Background(), func(b *bee.Bee) bee.KillOptions {
		return bee.KillOptions{Timeout: beeConfigs[b.ID()].KillTimeout}
	})
	if killErr != nil {
		logger.Errorf("Some bees could not be stopped: %v", killErr)
		runErrors.Add(killErr)
	}

	report.Statuses = h.Statuses()
	for _, status := range report.Statuses {
		logger.Infof("Bee %s finished, state: %s, outcome: %s, exit code: %d", status.ID, status.State, status.Outcome, status.ExitCode)
	}

	logger.Infof("Hive runner stopped")
	return report, runErrors.ToError()
}

func buildStartSpecs(bees []*bee.Bee, configs map[string]BeeConfig) (map[string]StartSpec, error) {
	needed := 0
	for _, b := range bees {
		if configs[b.ID()].Port == 0 {
			needed++
		}
	}

	var freePorts []int
	if needed > 0 {
		ports, err := freeport.GetFreePorts(needed)
		if err != nil {
			return nil, errors.NewNetworkError("failed to allocate free ports", err).WithContext("count", needed)
		}
		freePorts = ports
	}

	specs := make(map[string]StartSpec, len(bees))
	for _, b := range bees {
		config := configs[b.ID()]
		port := config.Port
		if port == 0 {
			port, freePorts = freePorts[0], freePorts[1:]
		}
		specs[b.ID()] = StartSpec{
			Port: port,
			Options: bee.StartOptions{
				Args:                config.Args,
				PassConfigArguments: config.PassConfigArguments,
				Environment:         config.Environment,
				HealthCheck:         config.HealthCheck,
				ProbeConfig:         config.HealthCheck,
			},
		}
	}
	return specs, nil
}

// archiveFailures writes a debug archive for every bee that died, turned
// unhealthy, or was left failed.
func archiveFailures(h *Hive, options bee.ArchiveOptions, report *RunReport, logger logging.Logger) {
	for _, b := range h.Bees() {
		status := b.Status()
		switch {
		case status.Outcome == bee.OutcomeExitedUnexpectedly,
			status.Outcome == bee.OutcomeUnhealthy,
			status.State == bee.StateFailed && status.PID != 0:
		default:
			continue
		}

		path, err := b.GenerateDebugArchive(context.Background(), options)
		if err != nil {
			logger.Errorf("Debug archive failed, id: %s, error: %v", b.ID(), err)
			continue
		}
		report.Archives[b.ID()] = path
		logger.Warnf("Bee %s failed (%s), debug archive: %s", b.ID(), status.Outcome, path)
	}
}

// allExited is closed once every started bee has exited. Bees that never
// started do not hold it open; with none started it is closed at once.
func allExited(bees []*bee.Bee) <-chan struct{} {
	var channels []<-chan struct{}
	for _, b := range bees {
		if exited := b.Exited(); exited != nil {
			channels = append(channels, exited)
		}
	}

	done := make(chan struct{})
	if len(channels) == 0 {
		close(done)
		return done
	}
	go func() {
		for _, exited := range channels {
			<-exited
		}
		close(done)
	}()
	return done
}

func serveMetrics(port int, collector *metrics.PrometheusCollector, logger logging.Logger) (*http.Server, string, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, "", errors.NewNetworkError("failed to listen for metrics", err).WithContext("port", port)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics server failed: %v", err)
		}
	}()

	address := listener.Addr().String()
	logger.Infof("Serving metrics on %s/metrics", address)
	return server, address, nil
}

func shutdownMetrics(server *http.Server, logger logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warnf("Metrics server shutdown failed: %v", err)
	}
}
