package hive

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-beekeeper/pkg/bee"
	"github.com/core-tools/hsu-beekeeper/pkg/beeconfig"
	"github.com/core-tools/hsu-beekeeper/pkg/diagnostics"
	"github.com/core-tools/hsu-beekeeper/pkg/errors"
	"github.com/core-tools/hsu-beekeeper/pkg/logging"
	"github.com/core-tools/hsu-beekeeper/pkg/metrics"
	"github.com/core-tools/hsu-beekeeper/pkg/monitoring"
	"github.com/core-tools/hsu-beekeeper/pkg/processfile"
)

// HiveConfig represents the top-level hive file structure
type HiveConfig struct {
	Hive HiveOptions `yaml:"hive"`
	Bees []BeeConfig `yaml:"bees"`
}

type HiveOptions struct {
	LogLevel    string `yaml:"log_level,omitempty"`
	MetricsPort int    `yaml:"metrics_port,omitempty"`

	// WaitHealthy bounds the wait for every bee to answer after start. Zero
	// skips the wait.
	WaitHealthy time.Duration `yaml:"wait_healthy,omitempty"`

	ArchiveOnFailure *bool  `yaml:"archive_on_failure,omitempty"`
	ArchiveFormat    string `yaml:"archive_format,omitempty"`
	ArchiveDirectory string `yaml:"archive_directory,omitempty"`
}

// BeeConfig represents a single bee. Relative paths are resolved against
// the directory of the hive file.
type BeeConfig struct {
	ID         string `yaml:"id"`
	Enabled    *bool  `yaml:"enabled,omitempty"`
	Executable string `yaml:"executable"`
	DataDir    string `yaml:"data_dir,omitempty"`

	// Port zero asks for a free port at start.
	Port int `yaml:"port,omitempty"`

	PassConfigArguments bool          `yaml:"pass_config_arguments,omitempty"`
	Args                []string      `yaml:"args,omitempty"`
	Environment         []string      `yaml:"environment,omitempty"`
	KillTimeout         time.Duration `yaml:"kill_timeout,omitempty"`
	ForwardOutput       bool          `yaml:"forward_output,omitempty"`

	HealthCheck *monitoring.HealthCheckConfig `yaml:"health_check,omitempty"`

	Config     map[string]interface{} `yaml:"config,omitempty"`
	ConfigFile string                 `yaml:"config_file,omitempty"`

	// StateFiles maps a path inside the data directory to a file whose
	// content is copied there.
	StateFiles map[string]string `yaml:"state_files,omitempty"`
}

func (c BeeConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// LoadConfigFromFile loads a hive file, applies defaults and resolves
// relative paths.
func LoadConfigFromFile(filename string) (*HiveConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read hive file", err).WithContext("filename", filename)
	}

	config, err := ParseConfig(data)
	if err != nil {
		return nil, errors.NewValidationError("invalid hive file", err).WithContext("filename", filename)
	}

	baseDirectory, err := filepath.Abs(filepath.Dir(filename))
	if err != nil {
		return nil, errors.NewIOError("failed to resolve hive file directory", err).WithContext("filename", filename)
	}
	resolvePaths(config, baseDirectory)

	return config, nil
}

// ParseConfig decodes a hive file and applies defaults. Paths are left as
// written.
func ParseConfig(data []byte) (*HiveConfig, error) {
	var config HiveConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML hive file", err)
	}
	setConfigDefaults(&config)
	return &config, nil
}

func setConfigDefaults(config *HiveConfig) {
	if config.Hive.LogLevel == "" {
		config.Hive.LogLevel = "info"
	}
	if config.Hive.ArchiveOnFailure == nil {
		archive := true
		config.Hive.ArchiveOnFailure = &archive
	}
	if config.Hive.ArchiveFormat == "" {
		config.Hive.ArchiveFormat = string(diagnostics.FormatGzip)
	}

	for i := range config.Bees {
		b := &config.Bees[i]
		if b.Enabled == nil {
			enabled := true
			b.Enabled = &enabled
		}
		if b.KillTimeout == 0 {
			b.KillTimeout = bee.DefaultKillTimeout
		}
		if b.HealthCheck != nil {
			defaulted := monitoring.WithDefaults(*b.HealthCheck)
			b.HealthCheck = &defaulted
		}
	}
}

func resolvePaths(config *HiveConfig, baseDirectory string) {
	resolve := func(path string) string {
		if path == "" || filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(baseDirectory, path)
	}

	config.Hive.ArchiveDirectory = resolve(config.Hive.ArchiveDirectory)
	for i := range config.Bees {
		b := &config.Bees[i]
		b.Executable = resolve(b.Executable)
		b.DataDir = resolve(b.DataDir)
		b.ConfigFile = resolve(b.ConfigFile)
		for name, source := range b.StateFiles {
			b.StateFiles[name] = resolve(source)
		}
	}
}

// ValidateConfig validates the entire hive file
func ValidateConfig(config *HiveConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateHiveOptions(&config.Hive); err != nil {
		return errors.NewValidationError("invalid hive configuration", err)
	}

	if err := validateBeesConfig(config.Bees); err != nil {
		return errors.NewValidationError("invalid bees configuration", err)
	}

	return nil
}

func validateHiveOptions(options *HiveOptions) error {
	switch options.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.NewValidationError(
			fmt.Sprintf("invalid log level: %s", options.LogLevel),
			nil,
		).WithContext("valid_levels", "debug, info, warn, error")
	}

	if options.MetricsPort != 0 {
		if err := ValidatePort(options.MetricsPort); err != nil {
			return errors.NewValidationError("invalid metrics port", err)
		}
	}
	if options.WaitHealthy < 0 {
		return errors.NewValidationError("wait_healthy cannot be negative", nil)
	}
	if _, err := diagnostics.ParseFormat(options.ArchiveFormat); err != nil {
		return err
	}
	return nil
}

func validateBeesConfig(bees []BeeConfig) error {
	seenIDs := make(map[string]int)
	seenPorts := make(map[int]string)

	for i, b := range bees {
		if err := ValidateBeeID(b.ID); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid bee ID at index %d", i),
				err,
			).WithContext("id", b.ID)
		}

		if prevIndex, exists := seenIDs[b.ID]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate bee ID '%s' found at indices %d and %d", b.ID, prevIndex, i),
				nil,
			)
		}
		seenIDs[b.ID] = i

		if err := validateBeeConfig(b); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid bee at index %d", i),
				err,
			).WithContext("id", b.ID)
		}

		if b.Port != 0 && b.IsEnabled() {
			if other, exists := seenPorts[b.Port]; exists {
				return errors.NewConflictError(
					fmt.Sprintf("port %d assigned to both '%s' and '%s'", b.Port, other, b.ID),
					nil,
				)
			}
			seenPorts[b.Port] = b.ID
		}
	}

	return nil
}

func validateBeeConfig(b BeeConfig) error {
	if b.Executable == "" {
		return errors.NewValidationError("executable is required", nil)
	}
	if b.Port != 0 {
		if err := ValidatePort(b.Port); err != nil {
			return err
		}
	}
	if b.KillTimeout < 0 {
		return errors.NewValidationError("kill_timeout cannot be negative", nil)
	}
	if b.HealthCheck != nil {
		if err := monitoring.ValidateHealthCheckConfig(*b.HealthCheck); err != nil {
			return err
		}
	}
	for name := range b.StateFiles {
		if err := processfile.ValidateStatePath(name); err != nil {
			return err
		}
	}
	return nil
}

// CreateBeesFromConfig builds a bee for every enabled entry. Config
// overrides come from config_file first, then the inline config map.
func CreateBeesFromConfig(config *HiveConfig, collector metrics.Collector, logger logging.Logger) ([]*bee.Bee, error) {
	if config == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}

	var bees []*bee.Bee
	for i, beeConfig := range config.Bees {
		if !beeConfig.IsEnabled() {
			logger.Infof("Skipping disabled bee, id: %s", beeConfig.ID)
			continue
		}

		b, err := createBeeFromConfig(beeConfig, collector, logger)
		if err != nil {
			return nil, errors.NewValidationError(
				fmt.Sprintf("failed to create bee at index %d", i),
				err,
			).WithContext("id", beeConfig.ID)
		}
		bees = append(bees, b)
	}

	return bees, nil
}

func createBeeFromConfig(config BeeConfig, collector metrics.Collector, logger logging.Logger) (*bee.Bee, error) {
	builder := beeconfig.New()
	if config.ConfigFile != "" {
		if err := builder.LoadOverridesFile(config.ConfigFile); err != nil {
			return nil, err
		}
	}
	for name, value := range config.Config {
		builder.Set(name, value)
	}

	stateFiles := make(map[string][]byte, len(config.StateFiles))
	for name, source := range config.StateFiles {
		content, err := os.ReadFile(source)
		if err != nil {
			return nil, errors.NewIOError("failed to read state file source", err).
				WithContext("path", name).WithContext("source", source)
		}
		stateFiles[name] = content
	}

	return bee.NewBee(bee.BeeOptions{
		ID:             config.ID,
		ExecutablePath: config.Executable,
		DataDirectory:  config.DataDir,
		Config:         builder,
		StateFiles:     stateFiles,
		Metrics:        collector,
		ForwardOutput:  config.ForwardOutput,
	}, logger)
}

// ValidateBeeID validates bee ID format and constraints
func ValidateBeeID(id string) error {
	if id == "" {
		return errors.NewValidationError("bee ID cannot be empty", nil)
	}

	if len(id) > 64 {
		return errors.NewValidationError("bee ID cannot exceed 64 characters", nil)
	}

	for _, char := range id {
		if !isValidIDChar(char) {
			return errors.NewValidationError("bee ID contains invalid characters: only letters, numbers, hyphens, and underscores are allowed", nil)
		}
	}

	return nil
}

func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535", nil)
	}
	return nil
}

func isValidIDChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_'
}
