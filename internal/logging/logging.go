// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a configured logger: JSON in production, console in
// development.
func New(level string, development bool) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encoding := "json"
	encoderCfg := zap.NewProductionEncoderConfig()
	if development {
		encoding = "console"
		encoderCfg = zap.NewDevelopmentEncoderConfig()
	}

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(parsed),
		Development:       development,
		Encoding:          encoding,
		EncoderConfig:     encoderCfg,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: !development,
	}
	return cfg.Build()
}
