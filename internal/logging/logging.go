// Package logging builds the process logger: zerolog events written to
// stdout and, optionally, a rotating log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the log sinks and format.
type Config struct {
	// Level is a zerolog level name; empty means info.
	Level string
	// Format is "json" or "console".
	Format string
	// File is the base path of the rotating log file; empty disables it.
	File string
	// MaxBytes triggers size rollover of the file.
	MaxBytes int64
	// Stdout overrides os.Stdout, mostly for tests.
	Stdout io.Writer
	// Service is attached to every event.
	Service string
}

// New builds the logger. The returned closer releases the log file.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if s := strings.TrimSpace(cfg.Level); s != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(s))
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("logging: %w", err)
		}
		level = parsed
	}

	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	var console io.Writer = stdout
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
	case "console", "text":
		console = zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	var closer io.Closer = nopWriteCloser{w: io.Discard}
	out := console
	if strings.TrimSpace(cfg.File) != "" {
		rw, err := NewRotatingWriter(cfg.File, cfg.MaxBytes)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		closer = rw
		// Files always get JSON so they stay machine readable.
		out = zerolog.MultiLevelWriter(console, rw)
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	return ctx.Logger(), closer, nil
}
