// Package logger builds the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const simpleTimeFormat = "15:04:05.000"

// Options selects the output format and the fields stamped on every line.
type Options struct {
	// Env picks console output for development and JSON otherwise.
	Env string
	// Level is a zerolog level name; empty means info.
	Level string
	// Node is added as the "node" field when set.
	Node string
	// Writers overrides the output. Several writers are combined.
	Writers []io.Writer
}

// New constructs a zerolog logger according to the runtime environment.
// Development environments receive human readable console logs on stderr so
// they do not interleave with the operator console; other environments emit
// JSON.
func New(opts Options) (*zerolog.Logger, error) {
	lvl, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	var output io.Writer
	switch {
	case len(opts.Writers) > 0:
		output = io.MultiWriter(opts.Writers...)
	case isDevelopment(opts.Env):
		output = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: simpleTimeFormat}
	default:
		output = os.Stderr
	}

	ctx := zerolog.New(output).With().Timestamp()
	if opts.Node != "" {
		ctx = ctx.Str("node", opts.Node)
	}
	logger := ctx.Logger().Level(lvl)
	return &logger, nil
}

func isDevelopment(env string) bool {
	return strings.EqualFold(env, "development") || strings.EqualFold(env, "dev")
}

func parseLevel(level string) (zerolog.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		level = zerolog.InfoLevel.String()
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.NoLevel, err
	}
	return lvl, nil
}
