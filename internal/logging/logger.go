package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Default logger instance
	defaultLogger *zap.Logger
)

// InitLogger initializes the default logger.
//
// LOG_LEVEL selects the minimum level (debug, info, warn, error) and
// LOG_FORMAT=console switches to the human readable encoder.
func InitLogger() error {
	config := zap.NewProductionConfig()
	if os.Getenv("LOG_FORMAT") == "console" {
		config = zap.NewDevelopmentConfig()
	}

	config.Level = zap.NewAtomicLevelAt(parseLevel(os.Getenv("LOG_LEVEL")))

	// Configure output
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	// Configure encoder
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.LevelKey = "level"
	config.EncoderConfig.MessageKey = "message"
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.StacktraceKey = "stacktrace"

	logger, err := config.Build(zap.Fields(zap.String("service", "snapdrop")))
	if err != nil {
		return err
	}
	defaultLogger = logger

	// Replace global logger
	zap.ReplaceGlobals(defaultLogger)
	return nil
}

func parseLevel(s string) zapcore.Level {
	if s == "" {
		return zap.InfoLevel
	}
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return zap.InfoLevel
	}
	return level
}

// Logger returns the default logger instance
func Logger() *zap.Logger {
	if defaultLogger == nil {
		// Fallback to basic logger if not initialized
		logger, err := zap.NewProduction()
		if err != nil {
			// Nop logger prevents nil pointer use when even that fails
			logger = zap.NewNop()
		}
		defaultLogger = logger
	}
	return defaultLogger
}

// SetLogger replaces the default logger, mostly for tests.
func SetLogger(l *zap.Logger) {
	defaultLogger = l
}

// Sync flushes any buffered log entries
func Sync() error {
	if defaultLogger != nil {
		if err := defaultLogger.Sync(); err != nil {
			// Sync errors are often safe to ignore (e.g., /dev/stderr on Linux)
			// but we log them for debugging
			defaultLogger.Error("failed to sync logger", zap.Error(err))
			return err
		}
	}
	return nil
}
