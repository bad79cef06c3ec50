package reactor

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger is the process-wide sink. Every component in this package logs
// through it; replace it with SetLogger before constructing any loop.
var logger *zap.Logger

func init() {
	logger = newDefaultLogger()
}

func newDefaultLogger() *zap.Logger {
	level := zapcore.InfoLevel
	switch strings.ToLower(os.Getenv("REACTOR_LOG")) {
	case "trace", "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if isatty.IsTerminal(os.Stderr.Fd()) {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core)
}

// SetLogger replaces the process-wide logger. Call it before any loop or
// server is constructed; the sink is not synchronized against running
// loops.
func SetLogger(l *zap.Logger) {
	if l != nil {
		logger = l
	}
}

// Logger returns the process-wide logger.
func Logger() *zap.Logger {
	return logger
}
