package common

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

var (
	loggerMu   sync.Mutex
	baseLogger *zap.SugaredLogger
)

// InitLogging configures the shared logger. It is called once at startup;
// calling it again replaces the level (used by tests).
func InitLogging(level string) error {
	lvl, err := parseLogLevel(level)
	if err != nil {
		return err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	logger, err := cfg.Build()
	if err != nil {
		return err
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	baseLogger = logger.Sugar()
	return nil
}

// GetLogger returns a named child of the shared logger. Packages call this
// once at init time, e.g. common.GetLogger("messenger").
func GetLogger(pkgName string) *zap.SugaredLogger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if baseLogger == nil {
		// No explicit init yet (tests, library use) - default to info
		logger, _ := zap.NewProduction()
		baseLogger = logger.Sugar()
	}
	return baseLogger.Named(pkgName)
}

// parseLogLevel converts a string level to a zap level
func parseLogLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warning", "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}
