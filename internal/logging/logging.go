// Package logging builds the zap logger shared by every command.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger writing to stderr. JSON output uses the production
// encoder; otherwise a console encoder without stack traces. verbose
// enables debug messages.
func New(verbose, json bool) (*zap.Logger, error) {
	var config zap.Config
	if json {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.DisableStacktrace = true
		config.DisableCaller = true
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	config.Level = zap.NewAtomicLevelAt(level)
	return config.Build()
}
