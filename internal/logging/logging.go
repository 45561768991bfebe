// Package logging constructs the *zap.Logger shared by every
// long-lived component (Registry, Task Engine, Dispatcher, Liveness
// Monitor, Metrics Aggregator), promoting zap from the transitive
// dependency the teacher pulls in via go.etcd.io/etcd/client/v3 to a
// directly-imported one, per the ambient logging stack.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls the handful of knobs an operator plausibly wants at
// startup; everything else follows zap's production defaults.
type Options struct {
	Development bool
	Level       zapcore.Level
}

// New builds a *zap.Logger: JSON-encoded production config by default,
// console-encoded development config (with stack traces on Warn) when
// Development is set.
func New(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(opts.Level)
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger, nil
}

// Must is New, panicking on error; used at process startup where there
// is no sensible way to run without a logger.
func Must(opts Options) *zap.Logger {
	logger, err := New(opts)
	if err != nil {
		panic(err)
	}
	return logger
}
