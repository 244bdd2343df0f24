package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/mssante/internal/config"
)

// NewLogger creates a structured zerolog.Logger tagged with the service name
// and environment. Development builds get a console writer.
func NewLogger(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Environment == config.EnvDevelopment {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return newLogger(cfg, out)
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	ctx := zerolog.New(out).With().Timestamp()

	if cfg.ServiceName != "" {
		ctx = ctx.Str("service", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		ctx = ctx.Str("environment", cfg.Environment)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
