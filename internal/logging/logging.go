// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-mailblob/internal/config"
)

// New creates the root logger.
func New(cfg config.LoggingConfig) (zerolog.Logger, error) {
	return NewWithWriter(cfg, nil)
}

// NewWithWriter creates the root logger writing to w, or to the configured
// output when w is nil.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	if w == nil {
		switch cfg.Output {
		case "", "stdout":
			w = os.Stdout
		case "stderr":
			w = os.Stderr
		default:
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return zerolog.Nop(), fmt.Errorf("failed to open log output: %w", err)
			}
			w = f
		}
	}

	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = zerolog.TimeFormatUnix
	}
	zerolog.TimeFieldFormat = timeFormat

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
