package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig selects how the zap backend is built.
type ZapConfig struct {
	Level       string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format      string `yaml:"format,omitempty"` // console or json
	Development bool   `yaml:"development,omitempty"`
}

// NewZapLogger builds a zap logger writing to stderr.
func NewZapLogger(config ZapConfig) (*zap.Logger, error) {
	level, err := parseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	var zapConfig zap.Config
	if config.Development {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	switch strings.ToLower(config.Format) {
	case "", "console":
		zapConfig.Encoding = "console"
	case "json":
		zapConfig.Encoding = "json"
	default:
		return nil, fmt.Errorf("unsupported log format: %s", config.Format)
	}

	return zapConfig.Build(zap.AddCallerSkip(2))
}

// ZapLogFuncs adapts a sugared zap logger to LogFuncs.
func ZapLogFuncs(sugar *zap.SugaredLogger) LogFuncs {
	return LogFuncs{
		Debugf: sugar.Debugf,
		Infof:  sugar.Infof,
		Warnf:  sugar.Warnf,
		Errorf: sugar.Errorf,
	}
}

// NewZapBackedLogger is the common wiring used by binaries: a prefixed Logger
// on top of zap.
func NewZapBackedLogger(prefix string, config ZapConfig) (Logger, *zap.Logger, error) {
	zapLogger, err := NewZapLogger(config)
	if err != nil {
		return nil, nil, err
	}
	return NewLogger(prefix, ZapLogFuncs(zapLogger.Sugar())), zapLogger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unsupported log level: %s", level)
	}
}
