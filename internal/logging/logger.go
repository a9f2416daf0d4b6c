// Package logging builds the root zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// New returns a JSON logger at level writing to file, or to stderr when file is
// empty. The returned func closes the file.
func New(level, file string) (zerolog.Logger, func(), error) {
	return build(level, file, false)
}

// NewConsole is New with human-readable output for interactive runs.
func NewConsole(level, file string) (zerolog.Logger, func(), error) {
	return build(level, file, true)
}

func build(level, file string, console bool) (zerolog.Logger, func(), error) {
	closer := func() {}
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Logger{}, closer, err
	}

	var w io.Writer = os.Stderr
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return zerolog.Logger{}, closer, fmt.Errorf("create logs dir: %w", err)
		}
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Logger{}, closer, err
		}
		closer = func() { _ = f.Close() }
		w = f
	}
	if console && file == "" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	l := zerolog.New(w).
		With().
		Timestamp().
		Str("service", "researcher").
		Logger().
		Level(lvl)
	return l, closer, nil
}
