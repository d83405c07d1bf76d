// Package logging builds the zap loggers used by the server-side registry
// and session packages, following the environment-driven level setup in
// go-sdk/examples/server/internal/logging/logging.go and the field-naming
// idiom of go-sdk/pkg/state/logger.go.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger for the given environment ("development" gets
// human-readable console output; anything else gets JSON output). Both use
// the requested level, falling back to info if it does not parse.
func New(env, level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = zapcore.InfoLevel
	}

	if strings.EqualFold(env, "development") {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		return cfg.Build()
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// NewFromEnv reads SIGNALMESH_ENV and SIGNALMESH_LOG_LEVEL (defaulting to
// "production" and "info") and builds a logger from them.
func NewFromEnv() (*zap.Logger, error) {
	env := os.Getenv("SIGNALMESH_ENV")
	level := os.Getenv("SIGNALMESH_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	return New(env, level)
}

// Session returns a child logger scoped to one connection.
func Session(base *zap.Logger, sessionID string) *zap.Logger {
	return base.With(zap.String("session_id", sessionID))
}

// Signal returns a child logger scoped to one named signal.
func Signal(base *zap.Logger, name string, variant string) *zap.Logger {
	return base.With(zap.String("signal", name), zap.String("variant", variant))
}
