// Package logging builds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pricefeed/internal/version"
)

// Config describes logger runtime configuration. Service and Environment are
// filled from the app section, not from the logging section.
type Config struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	TimeFormat  string `mapstructure:"time_format"`
	Caller      bool   `mapstructure:"caller"`
	PrettyPrint bool   `mapstructure:"pretty"`
	Output      string `mapstructure:"output"`
	Service     string `mapstructure:"-"`
	Environment string `mapstructure:"-"`
}

// NewLogger constructs a zerolog logger from config. Every entry carries the
// service name, environment and build version when known.
func NewLogger(cfg Config) zerolog.Logger {
	return newLogger(cfg, logWriter(cfg))
}

func newLogger(cfg Config, writer io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	ctx := zerolog.New(writer).Level(level).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	if cfg.Environment != "" {
		ctx = ctx.Str("env", cfg.Environment)
	}
	ctx = ctx.Str("version", version.Version)
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

func logWriter(cfg Config) io.Writer {
	out := io.Writer(os.Stdout)
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	if cfg.PrettyPrint || strings.EqualFold(cfg.Format, "console") {
		return zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: zerolog.TimeFieldFormat,
		}
	}
	return out
}
