// Package logging configures the hub's structured logger (C10, a
// SPEC_FULL.md ambient-stack addition). Grounded directly on
// src/logger.go's NewLogger (level/format switch, console-writer for
// pretty output, timestamp+caller fields) and LogError, generalized from
// that file's fixed "ws-server" service name into a parameterized one so
// each process (hub server, ingestion bridges, CLI tools) tags its own
// component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options configures New.
type Options struct {
	Level   string // debug, info, warn, error
	Format  string // json, pretty
	Service string
}

// New builds a zerolog.Logger per Options, matching src/logger.go's
// level/format handling.
func New(opts Options) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(opts.Level))

	var output io.Writer = os.Stdout
	if opts.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", opts.Service).
		Logger()
}

func parseLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogError logs err with msg and arbitrary structured fields, mirroring
// src/logger.go's LogError helper.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
