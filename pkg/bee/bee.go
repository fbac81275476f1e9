// Package bee supervises one swarm daemon process: it materializes the
// daemon's configuration, launches it with captured output, tracks its
// lifecycle, probes its health, kills it with escalation and gathers debug
// archives.
package bee

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/core-tools/hsu-beekeeper/pkg/beeconfig"
	"github.com/core-tools/hsu-beekeeper/pkg/errors"
	"github.com/core-tools/hsu-beekeeper/pkg/logcapture"
	"github.com/core-tools/hsu-beekeeper/pkg/logging"
	"github.com/core-tools/hsu-beekeeper/pkg/metrics"
	"github.com/core-tools/hsu-beekeeper/pkg/monitoring"
	"github.com/core-tools/hsu-beekeeper/pkg/process"
	"github.com/core-tools/hsu-beekeeper/pkg/processfile"
	"github.com/core-tools/hsu-beekeeper/pkg/processstate"
)

const (
	DefaultKillTimeout = 10 * time.Second
	DefaultWaitDelay   = 2 * time.Second
)

type BeeOptions struct {
	// ID names the bee in logs, metrics and archives. Defaults to the base
	// name of the data directory.
	ID string

	ExecutablePath string

	// DataDirectory is caller-owned when set and never removed. When empty a
	// temporary directory is allocated and removed by Cleanup.
	DataDirectory string

	// Config defaults to an empty builder.
	Config *beeconfig.Builder

	// StateFiles are extra files written next to the config, keyed by path
	// relative to the data directory, e.g. key material.
	StateFiles map[string][]byte

	Metrics metrics.Collector

	// ForwardOutput sends each line of the daemon's output to the logger at
	// debug level.
	ForwardOutput bool
}

type StartOptions struct {
	Args []string

	// PassConfigArguments appends the rendered configuration as flags.
	PassConfigArguments bool

	// Environment is appended to the supervisor's own environment.
	Environment []string

	// HealthCheck starts a background monitor when set. Its results update
	// the bee's health state as CheckHealth would.
	HealthCheck *monitoring.HealthCheckConfig

	// ProbeConfig selects the probe used by CheckHealth. Defaults to a
	// WebSocket ping.
	ProbeConfig *monitoring.HealthCheckConfig

	WaitDelay time.Duration
}

// Status is a point-in-time snapshot of a bee.
type Status struct {
	ID        string
	State     State
	PID       int
	Port      int
	Healthy   bool
	Exited    bool
	ExitCode  int
	Outcome   Outcome
	StartedAt time.Time
	StoppedAt time.Time
}

type Bee struct {
	id             string
	executablePath string
	dataDirectory  string
	ownsDirectory  bool
	config         *beeconfig.Builder
	stateFiles     map[string][]byte
	forwardOutput  bool
	files          *processfile.ProcessFileManager
	metrics        metrics.Collector
	logger         logging.Logger

	mutex              sync.RWMutex
	state              State
	outcome            Outcome
	writtenFingerprint string
	port               int
	cmd                *exec.Cmd
	capture            *logcapture.Capture
	exited             chan struct{}
	exitObserved       bool
	exitCode           int
	healthy            bool
	probeConfig        monitoring.HealthCheckConfig
	healthMonitor      monitoring.HealthMonitor
	startedAt          time.Time
	stoppedAt          time.Time
	cleanedUp          bool
}

func NewBee(options BeeOptions, logger logging.Logger) (*Bee, error) {
	if options.ExecutablePath == "" {
		return nil, errors.NewValidationError("executable path is required", nil)
	}

	executablePath, err := filepath.Abs(options.ExecutablePath)
	if err != nil {
		return nil, errors.NewValidationError("failed to resolve executable path", err).WithContext("path", options.ExecutablePath)
	}

	dataDirectory := options.DataDirectory
	ownsDirectory := false
	if dataDirectory == "" {
		dataDirectory, err = os.MkdirTemp("", "bee-*")
		if err != nil {
			return nil, errors.NewIOError("failed to allocate data directory", err)
		}
		ownsDirectory = true
	} else {
		dataDirectory, err = filepath.Abs(dataDirectory)
		if err != nil {
			return nil, errors.NewValidationError("failed to resolve data directory", err).WithContext("path", options.DataDirectory)
		}
	}

	id := options.ID
	if id == "" {
		id = filepath.Base(dataDirectory)
	}

	config := options.Config
	if config == nil {
		config = beeconfig.New()
	}

	collector := options.Metrics
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}

	b := &Bee{
		id:             id,
		executablePath: executablePath,
		dataDirectory:  dataDirectory,
		ownsDirectory:  ownsDirectory,
		config:         config,
		stateFiles:     options.StateFiles,
		forwardOutput:  options.ForwardOutput,
		files:          processfile.NewProcessFileManager(dataDirectory, logger),
		metrics:        collector,
		logger:         logger,
		state:          StateCreated,
		outcome:        OutcomeNone,
		probeConfig:    monitoring.WithDefaults(monitoring.HealthCheckConfig{}),
	}

	logger.Infof("Bee created, id: %s, executable: %s, data directory: %s, owned: %t",
		id, executablePath, dataDirectory, ownsDirectory)
	return b, nil
}

func (b *Bee) ID() string {
	return b.id
}

func (b *Bee) ExecutablePath() string {
	return b.executablePath
}

func (b *Bee) DataDirectory() string {
	return b.dataDirectory
}

// OwnsDataDirectory reports whether Cleanup removes the data directory.
func (b *Bee) OwnsDataDirectory() bool {
	return b.ownsDirectory
}

func (b *Bee) ConfigFilePath() string {
	return b.files.ConfigFilePath()
}

// Config returns the builder whose rendering becomes bluzelle.json.
func (b *Bee) Config() *beeconfig.Builder {
	return b.config
}

func (b *Bee) State() State {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.state
}

// Port is the port bound at Start, 0 before.
func (b *Bee) Port() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.port
}

// PID is the process ID while the process is alive, 0 before Start and
// once its exit has been observed.
func (b *Bee) PID() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.pidUnderLock()
}

func (b *Bee) pidUnderLock() int {
	if b.exitObserved {
		return 0
	}
	return b.launchedPIDUnderLock()
}

// launchedPIDUnderLock is the PID the process was started with, kept after
// its exit for archives.
func (b *Bee) launchedPIDUnderLock() int {
	if b.cmd == nil || b.cmd.Process == nil {
		return 0
	}
	return b.cmd.Process.Pid
}

// Outcome is OutcomeNone while the bee is running normally.
func (b *Bee) Outcome() Outcome {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.outcomeUnderLock()
}

func (b *Bee) outcomeUnderLock() Outcome {
	if b.outcome != OutcomeNone {
		return b.outcome
	}
	if b.state == StateUnhealthy {
		return OutcomeUnhealthy
	}
	return OutcomeNone
}

func (b *Bee) Status() Status {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return Status{
		ID:        b.id,
		State:     b.state,
		PID:       b.pidUnderLock(),
		Port:      b.port,
		Healthy:   b.healthy,
		Exited:    b.exitObserved,
		ExitCode:  b.exitCode,
		Outcome:   b.outcomeUnderLock(),
		StartedAt: b.startedAt,
		StoppedAt: b.stoppedAt,
	}
}

// transitionUnderLock moves to the next state, refusing illegal steps.
func (b *Bee) transitionUnderLock(to State) error {
	from := b.state
	if !CanTransition(from, to) {
		return errors.NewPreconditionError(
			fmt.Sprintf("cannot move from state '%s' to '%s'", from, to), nil).
			WithContext("id", b.id).WithContext("current_state", string(from))
	}
	b.state = to
	if from != to {
		b.logger.Infof("Bee state transition, id: %s, %s -> %s", b.id, from, to)
		b.metrics.StateTransition(b.id, string(from), string(to))
	}
	return nil
}

// failUnderLock records an unrecoverable error before the process ever ran.
func (b *Bee) failUnderLock(err error) error {
	if transitionErr := b.transitionUnderLock(StateFailed); transitionErr != nil {
		b.logger.Errorf("Bee could not be marked failed, id: %s, error: %v", b.id, transitionErr)
	}
	b.outcome = OutcomeNeverStarted
	b.logger.Errorf("Bee failed, id: %s, error: %v", b.id, err)
	return err
}

// WriteStateFiles scaffolds the data directory, writes bluzelle.json from the
// rendered configuration and any extra state files. Every file is flushed
// and closed before this returns.
func (b *Bee) WriteStateFiles() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.state != StateCreated && b.state != StateFilesWritten {
		return errors.NewPreconditionError(
			fmt.Sprintf("cannot write state files in state '%s'", b.state), nil).
			WithContext("id", b.id).WithContext("current_state", string(b.state))
	}

	names := make([]string, 0, len(b.stateFiles))
	for name := range b.stateFiles {
		names = append(names, name)
	}
	sort.Strings(names)
	paths := make([]string, len(names))
	for i, name := range names {
		path, err := b.files.ResolvePath(name)
		if err != nil {
			return b.failUnderLock(err)
		}
		paths[i] = path
	}

	if err := b.files.Scaffold(); err != nil {
		return b.failUnderLock(err)
	}

	if err := b.writeConfigUnderLock(); err != nil {
		return b.failUnderLock(err)
	}

	for i, name := range names {
		if err := b.files.WriteFile(paths[i], b.stateFiles[name], 0600); err != nil {
			return b.failUnderLock(err)
		}
	}

	b.logger.Infof("State files written, id: %s, config: %s, extra files: %d", b.id, b.files.ConfigFilePath(), len(names))
	return b.transitionUnderLock(StateFilesWritten)
}

func (b *Bee) writeConfigUnderLock() error {
	fingerprint, err := b.config.Fingerprint()
	if err != nil {
		return err
	}
	content, err := b.config.RenderJSON()
	if err != nil {
		return err
	}
	if err := b.files.WriteFile(b.files.ConfigFilePath(), content, 0644); err != nil {
		return err
	}
	b.writtenFingerprint = fingerprint
	return nil
}

// Start launches the daemon in the data directory and binds port as its
// observed port. WriteStateFiles must have succeeded first.
func (b *Bee) Start(ctx context.Context, port int, options StartOptions) (*os.Process, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil)
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.state != StateFilesWritten {
		return nil, errors.NewPreconditionError(
			fmt.Sprintf("cannot start in state '%s': state files must be written first", b.state), nil).
			WithContext("id", b.id).WithContext("current_state", string(b.state))
	}

	// overrides set after WriteStateFiles must reach the file the daemon reads
	fingerprint, err := b.config.Fingerprint()
	if err != nil {
		return nil, b.failUnderLock(err)
	}
	if fingerprint != b.writtenFingerprint {
		b.logger.Infof("Configuration changed since state files were written, rewriting, id: %s", b.id)
		if err := b.writeConfigUnderLock(); err != nil {
			return nil, b.failUnderLock(err)
		}
	}

	args := append([]string(nil), options.Args...)
	if options.PassConfigArguments {
		configArgs, err := b.config.RenderArguments()
		if err != nil {
			return nil, b.failUnderLock(err)
		}
		args = append(args, configArgs...)
	}

	capture, err := logcapture.NewCapture(logcapture.CaptureOptions{
		LogFilePath:  b.files.LogFilePath(),
		ForwardLines: b.forwardOutput,
	}, logging.WithPrefix(b.logger, fmt.Sprintf("bee: %s ", b.id)))
	if err != nil {
		return nil, b.failUnderLock(err)
	}

	waitDelay := options.WaitDelay
	if waitDelay <= 0 {
		waitDelay = DefaultWaitDelay
	}

	cmd, err := process.Execute(ctx, process.ExecutionConfig{
		ExecutablePath:   b.executablePath,
		Args:             args,
		Environment:      options.Environment,
		WorkingDirectory: b.dataDirectory,
		WaitDelay:        waitDelay,
	}, capture.Writer(logcapture.StdoutStream), capture.Writer(logcapture.StderrStream), b.id, b.logger)
	if err != nil {
		capture.Close()
		if !errors.IsLaunchError(err) {
			err = errors.NewLaunchError("failed to launch", err).WithContext("id", b.id)
		}
		return nil, b.failUnderLock(err)
	}

	pid := cmd.Process.Pid
	b.cmd = cmd
	b.capture = capture
	b.port = port
	b.startedAt = time.Now()
	b.exited = make(chan struct{})
	b.exitObserved = false
	b.healthy = false

	if err := process.RaiseCoreLimit(pid); err != nil {
		b.logger.Debugf("Core limit not raised, id: %s, PID: %d, error: %v", b.id, pid, err)
	}

	if err := b.files.WritePIDFile(pid); err != nil {
		b.logger.Warnf("PID file not written, id: %s, error: %v", b.id, err)
	}
	if err := b.files.WritePortFile(port); err != nil {
		b.logger.Warnf("Port file not written, id: %s, error: %v", b.id, err)
	}

	if err := b.transitionUnderLock(StateStarted); err != nil {
		return nil, err
	}

	go b.waitForExit(cmd, b.exited)

	if options.ProbeConfig != nil {
		b.probeConfig = monitoring.WithDefaults(*options.ProbeConfig)
	}
	if options.HealthCheck != nil {
		monitor := monitoring.NewHealthMonitor(*options.HealthCheck,
			monitoring.Target{Port: port, PID: pid}, b.id, b.recordHealth, b.logger)
		// ctx only bounds the launch; Kill and the exit watcher stop the monitor
		if err := monitor.Start(context.WithoutCancel(ctx)); err != nil {
			b.logger.Warnf("Health monitor not started, id: %s, error: %v", b.id, err)
		} else {
			b.healthMonitor = monitor
		}
	}

	b.logger.Infof("Bee started, id: %s, PID: %d, port: %d", b.id, pid, port)
	return cmd.Process, nil
}

// waitForExit reaps the process and publishes the exit by closing done.
func (b *Bee) waitForExit(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	if monitor := b.recordExit(cmd, done, err); monitor != nil {
		// outside the lock: the monitor callback takes it
		monitor.Stop()
	}
}

// recordExit returns the health monitor to stop when the exit was not
// requested.
func (b *Bee) recordExit(cmd *exec.Cmd, done chan struct{}, waitErr error) monitoring.HealthMonitor {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.exitObserved = true
	if cmd.ProcessState != nil {
		b.exitCode = cmd.ProcessState.ExitCode()
	}
	b.stoppedAt = time.Now()
	if b.capture != nil {
		if err := b.capture.Close(); err != nil {
			b.logger.Warnf("Log capture close failed, id: %s, error: %v", b.id, err)
		}
	}
	close(done)

	if !b.state.IsActive() {
		b.logger.Infof("Bee process exited, id: %s, exit code: %d", b.id, b.exitCode)
		return nil
	}

	b.logger.Warnf("Bee exited unexpectedly, id: %s, exit code: %d, wait error: %v", b.id, b.exitCode, waitErr)
	b.outcome = OutcomeExitedUnexpectedly
	b.healthy = false
	if err := b.transitionUnderLock(StateStopped); err != nil {
		b.logger.Errorf("Unexpected exit not recorded, id: %s, error: %v", b.id, err)
	}
	monitor := b.healthMonitor
	b.healthMonitor = nil
	return monitor
}

// IsRunning is true while the process handle exists, its exit has not been
// observed, and the OS reports the PID alive.
func (b *Bee) IsRunning() bool {
	b.mutex.RLock()
	pid := b.pidUnderLock()
	exited := b.exitObserved
	b.mutex.RUnlock()

	if pid == 0 || exited {
		return false
	}
	running, err := processstate.IsProcessRunning(pid)
	return err == nil && running
}

// Exited is closed once the process exit has been observed. Nil before
// Start.
func (b *Bee) Exited() <-chan struct{} {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.exited
}

// Log returns everything the process wrote to stdout and stderr so far.
func (b *Bee) Log() string {
	b.mutex.RLock()
	capture := b.capture
	b.mutex.RUnlock()

	if capture == nil {
		return ""
	}
	return capture.String()
}

// Cleanup kills the process if it is still running, then removes the data
// directory if this bee allocated it. A caller-supplied directory keeps its
// contents apart from the pid and port files.
func (b *Bee) Cleanup(ctx context.Context) error {
	b.mutex.RLock()
	cleaned := b.cleanedUp
	b.mutex.RUnlock()
	if cleaned {
		return nil
	}

	if err := b.Kill(ctx, KillOptions{}); err != nil {
		b.logger.Errorf("Cleanup could not stop the process, data directory kept, id: %s, error: %v", b.id, err)
		return err
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.capture != nil {
		if err := b.capture.Close(); err != nil {
			b.logger.Warnf("Log capture close failed, id: %s, error: %v", b.id, err)
		}
	}

	if b.ownsDirectory {
		if err := os.RemoveAll(b.dataDirectory); err != nil {
			return errors.NewIOError("failed to remove data directory", err).WithContext("directory", b.dataDirectory)
		}
		b.logger.Infof("Data directory removed, id: %s, directory: %s", b.id, b.dataDirectory)
	} else if b.cmd != nil {
		if err := b.files.RemoveRuntimeFiles(); err != nil {
			b.logger.Warnf("Runtime files not removed, id: %s, error: %v", b.id, err)
		}
	}

	b.cleanedUp = true
	return nil
}
