package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-beekeeper/pkg/hive"
	"github.com/core-tools/hsu-beekeeper/pkg/logging"
)

type flagOptions struct {
	Config      string `long:"config" short:"c" description:"path to the hive YAML file" required:"true"`
	RunDuration int    `long:"run-duration" description:"Duration in seconds to run the hive (debug feature)"`
	Validate    bool   `long:"validate" description:"validate the hive file and exit"`
	LogLevel    string `long:"log-level" description:"overrides hive.log_level: debug, info, warn, error"`
	LogFormat   string `long:"log-format" default:"console" description:"console or json"`
	Development bool   `long:"development" description:"development logger with stack traces on warnings"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	config, err := hive.LoadConfigFromFile(opts.Config)
	if err != nil {
		fmt.Printf("Failed to load hive file: %v\n", err)
		os.Exit(1)
	}
	if err := hive.ValidateConfig(config); err != nil {
		fmt.Printf("Invalid hive file: %v\n", err)
		os.Exit(1)
	}
	if opts.Validate {
		fmt.Printf("Hive file %s is valid, bees: %d\n", opts.Config, len(config.Bees))
		return
	}

	level := config.Hive.LogLevel
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}

	logger, zapLogger, err := logging.NewZapBackedLogger("module: beekeeper , ", logging.ZapConfig{
		Level:       level,
		Format:      opts.LogFormat,
		Development: opts.Development,
	})
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	logger.Infof("opts: %+v", opts)

	report, err := hive.Run(context.Background(), hive.RunOptions{
		ConfigFile: opts.Config,
		Config:     config,
		Duration:   time.Duration(opts.RunDuration) * time.Second,
	}, logger)

	if report != nil {
		for id, path := range report.Archives {
			fmt.Printf("Debug archive for %s: %s\n", id, path)
		}
	}
	if err != nil {
		logger.Errorf("Hive run failed: %v", err)
		zapLogger.Sync()
		os.Exit(1)
	}
}
