package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/core-tools/hsu-beekeeper/pkg/errors"
	"github.com/core-tools/hsu-beekeeper/pkg/logging"
)

type ExecutionConfig struct {
	ExecutablePath   string        `yaml:"executable_path"`
	Args             []string      `yaml:"args,omitempty"`
	Environment      []string      `yaml:"environment,omitempty"`
	WorkingDirectory string        `yaml:"working_directory,omitempty"`
	WaitDelay        time.Duration `yaml:"wait_delay,omitempty"`
}

// Execute launches the executable in its own process group with stdout and
// stderr copied into the given writers, never the parent's streams. The
// returned command has been started; the caller owns calling Wait.
//
// ctx only bounds the launch itself: cancelling it later does not kill the
// child.
func Execute(ctx context.Context, execution ExecutionConfig, stdout, stderr io.Writer, id string, logger logging.Logger) (*exec.Cmd, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil).WithContext("id", id)
	}

	if err := ValidateExecutionConfig(execution); err != nil {
		logger.Errorf("Execution configuration validation failed, id: %s, error: %v", id, err)
		return nil, errors.NewLaunchError("invalid execution configuration", err).WithContext("id", id)
	}

	if err := checkExecutable(execution.ExecutablePath); err != nil {
		return nil, errors.NewLaunchError("executable cannot be run", err).
			WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("launch cancelled", err).WithContext("id", id)
	}

	logger.Debugf("Executing process, id: %s, executable path: '%s', args: %v, working directory: '%s'",
		id, execution.ExecutablePath, execution.Args, execution.WorkingDirectory)

	cmd := exec.Command(execution.ExecutablePath, execution.Args...)
	cmd.Dir = execution.WorkingDirectory
	cmd.Env = append(os.Environ(), execution.Environment...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// bounds how long Wait keeps copying output after the child exits, e.g.
	// when a grandchild inherited the pipes
	cmd.WaitDelay = execution.WaitDelay

	setupProcessAttributes(cmd)

	if err := cmd.Start(); err != nil {
		return nil, errors.NewLaunchError("failed to start the process", err).
			WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
	}

	logger.Infof("Successfully executed process, id: %s, PID: %d", id, cmd.Process.Pid)

	return cmd, nil
}
