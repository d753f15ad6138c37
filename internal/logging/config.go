package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	Level  zapcore.Level
	Format string
	Stdout bool
	OTEL   bool
}

// NewDefaultConfig returns a production-leaning default: JSON to stdout at info.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Stdout: true,
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid format: %q (must be json or console)", c.Format)
	}
	if !c.Stdout && !c.OTEL {
		return fmt.Errorf("at least one output must be enabled")
	}
	return nil
}
