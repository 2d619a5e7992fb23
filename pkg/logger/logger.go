// Package logger provides component-scoped structured loggers for the relay.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.Mutex
	base *zap.Logger
)

func init() {
	base = newBase(zapcore.InfoLevel)
}

func newBase(level zapcore.Level) *zap.Logger {
	conf := zap.NewProductionConfig()
	conf.Level = zap.NewAtomicLevelAt(level)
	conf.EncoderConfig.TimeKey = "ts"
	conf.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := conf.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// SetLevel reconfigures the process-wide log level. Unknown levels fall back
// to info.
func SetLevel(level string) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	mu.Lock()
	defer mu.Unlock()
	base = newBase(lvl)
}

// GetLogger returns a sugared logger named after a component, e.g. "ingest"
// or "registry".
func GetLogger(component string) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return base.Named(component).Sugar()
}
