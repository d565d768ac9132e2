// Package log builds the logr.Logger used throughout the hub and agent,
// backed by zap.
package log

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures logger construction.
type Options struct {
	// Development selects the console encoder and debug level; production
	// selects JSON and info level.
	Development bool
	// Level overrides the default level when non-empty: debug, info, warn, error.
	Level string
}

// DevelopmentOptions returns Options tuned for local development and tests.
func DevelopmentOptions() Options {
	return Options{Development: true}
}

// ProductionOptions returns Options tuned for a deployed hub or agent.
func ProductionOptions() Options {
	return Options{Development: false}
}

// NewLogger builds a logr.Logger backed by zap per opts.
func NewLogger(opts Options) logr.Logger {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if lvl, ok := parseLevel(opts.Level); ok {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	zl, err := cfg.Build()
	if err != nil {
		// Config construction above never fails for the levels we allow;
		// fall back to a no-op logger rather than panic in a library.
		return logr.Discard()
	}
	return zapr.NewLogger(zl)
}

func parseLevel(s string) (zapcore.Level, bool) {
	if s == "" {
		return 0, false
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, false
	}
	return lvl, true
}
