package bee

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/core-tools/hsu-beekeeper/pkg/errors"
	"github.com/core-tools/hsu-beekeeper/pkg/monitoring"
	"github.com/core-tools/hsu-beekeeper/pkg/process"
)

type KillOptions struct {
	// Timeout bounds the whole kill. Defaults to DefaultKillTimeout.
	Timeout time.Duration

	// Signal, when set and deliverable on this platform, is sent to the
	// process group instead of the TERM-then-KILL sequence, and nothing
	// else is sent.
	Signal os.Signal
}

// Kill terminates the process and waits until its exit is observed or the
// timeout elapses. Without an explicit signal the group gets SIGTERM, then
// SIGKILL after half the timeout. A bee that was never started or is already
// stopped is left alone. On timeout the bee is marked failed and keeps the
// process handle, so Kill may be called again.
func (b *Bee) Kill(ctx context.Context, options KillOptions) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	plan := b.validateAndPlanKill()
	if !plan.shouldProceed {
		return plan.errorToReturn
	}

	if plan.healthMonitor != nil {
		plan.healthMonitor.Stop()
	}

	timeout := options.Timeout
	if timeout <= 0 {
		timeout = DefaultKillTimeout
	}

	start := time.Now()
	err := b.terminate(ctx, plan, timeout, options.Signal)
	b.finalizeKill(err, time.Since(start))
	return err
}

// killPlan holds data extracted under lock for a kill
type killPlan struct {
	pid           int
	exited        chan struct{}
	healthMonitor monitoring.HealthMonitor
	shouldProceed bool
	errorToReturn error
}

func (b *Bee) validateAndPlanKill() *killPlan {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	plan := &killPlan{}

	switch {
	case b.state == StateStopping:
		plan.errorToReturn = errors.NewPreconditionError("kill already in progress", nil).WithContext("id", b.id)
		return plan
	case b.cmd == nil:
		b.logger.Debugf("Kill requested but the process was never started, id: %s, state: %s", b.id, b.state)
		return plan
	case b.exitObserved:
		if b.state == StateFailed {
			// the process a timed-out kill left behind has died since
			b.outcome = OutcomeKilled
			if err := b.transitionUnderLock(StateStopped); err != nil {
				plan.errorToReturn = err
			}
		}
		b.logger.Debugf("Kill requested but the process already exited, id: %s", b.id)
		return plan
	}

	if err := b.transitionUnderLock(StateStopping); err != nil {
		plan.errorToReturn = err
		return plan
	}

	plan.pid = b.pidUnderLock()
	plan.exited = b.exited
	plan.healthMonitor = b.healthMonitor
	b.healthMonitor = nil
	b.healthy = false
	plan.shouldProceed = true
	return plan
}

func (b *Bee) terminate(ctx context.Context, plan *killPlan, timeout time.Duration, sig os.Signal) error {
	pid := plan.pid

	if sig != nil && process.SupportsSignals() {
		b.logger.Infof("Sending signal to bee, id: %s, PID: %d, signal: %v, timeout: %v", b.id, pid, sig, timeout)
		if err := process.SignalGroup(pid, sig); err != nil {
			b.logger.Warnf("Signal delivery failed, id: %s, PID: %d, error: %v", b.id, pid, err)
		}
		return b.waitForExitWithin(ctx, plan.exited, pid, timeout)
	}

	grace := timeout / 2
	b.logger.Infof("Terminating bee, id: %s, PID: %d, grace: %v, timeout: %v", b.id, pid, grace, timeout)
	if err := process.SendTerminationSignal(pid); err != nil {
		b.logger.Warnf("Failed to send termination signal, id: %s, PID: %d, error: %v", b.id, pid, err)
	}
	err := b.waitForExitWithin(ctx, plan.exited, pid, grace)
	if err == nil || errors.IsCancelledError(err) {
		return err
	}

	b.logger.Warnf("Bee did not stop within %v, force killing, id: %s, PID: %d", grace, b.id, pid)
	if err := process.ForceKill(pid); err != nil {
		b.logger.Warnf("Force kill failed, id: %s, PID: %d, error: %v", b.id, pid, err)
	}
	return b.waitForExitWithin(ctx, plan.exited, pid, timeout-grace)
}

func (b *Bee) waitForExitWithin(ctx context.Context, exited <-chan struct{}, pid int, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-exited:
		return nil
	case <-timer.C:
		return errors.NewTimeoutError(fmt.Sprintf("process did not exit within %v", timeout), nil).
			WithContext("id", b.id).WithContext("pid", pid)
	case <-ctx.Done():
		return errors.NewCancelledError("kill cancelled", ctx.Err()).WithContext("id", b.id).WithContext("pid", pid)
	}
}

func (b *Bee) finalizeKill(killErr error, duration time.Duration) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if killErr != nil {
		b.outcome = OutcomeKillTimedOut
		result := "timeout"
		if errors.IsCancelledError(killErr) {
			result = "cancelled"
		}
		b.metrics.KillDuration(b.id, duration, result)
		if err := b.transitionUnderLock(StateFailed); err != nil {
			b.logger.Errorf("Kill failure not recorded, id: %s, error: %v", b.id, err)
		}
		b.logger.Errorf("Bee kill failed, process left running, id: %s, error: %v", b.id, killErr)
		return
	}

	b.outcome = OutcomeKilled
	b.metrics.KillDuration(b.id, duration, "stopped")
	if err := b.transitionUnderLock(StateStopped); err != nil {
		b.logger.Errorf("Stop not recorded, id: %s, error: %v", b.id, err)
	}
	b.logger.Infof("Bee stopped, id: %s, exit code: %d, took: %v", b.id, b.exitCode, duration)
}
