package monitoring

import "github.com/core-tools/hsu-beekeeper/pkg/errors"

// ValidateHealthCheckConfig validates health check configuration
func ValidateHealthCheckConfig(config HealthCheckConfig) error {
	if err := ValidateHealthCheckRunOptions(config.RunOptions); err != nil {
		return errors.NewValidationError("invalid health check run options", err)
	}

	switch config.Type {
	case HealthCheckTypeWebSocket, HealthCheckTypeTCP, HealthCheckTypeGRPC, HealthCheckTypeProcess:
		return nil
	default:
		return errors.NewValidationError("unsupported health check type: "+string(config.Type), nil)
	}
}

// ValidateHealthCheckRunOptions validates health check run options
func ValidateHealthCheckRunOptions(options HealthCheckRunOptions) error {
	if options.Interval <= 0 {
		return errors.NewValidationError("health check interval must be positive", nil)
	}
	if options.Timeout <= 0 {
		return errors.NewValidationError("health check timeout must be positive", nil)
	}
	if options.InitialDelay < 0 {
		return errors.NewValidationError("health check initial delay cannot be negative", nil)
	}
	return nil
}
