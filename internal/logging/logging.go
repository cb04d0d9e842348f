// Package logging sets up the global zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Init points the global logger at console and, when file is set, at a
// rotating log file. The returned closer releases the file; it is a no-op
// when no file is used.
func Init(level zerolog.Level, file string, console io.Writer) (io.Closer, error) {
	writers := []io.Writer{}
	if console != nil {
		writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: time.TimeOnly})
	}

	var closer io.Closer = nopCloser{}
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o750); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    1,
			MaxBackups: 2,
		}
		writers = append(writers, lj)
		closer = lj
	}

	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().Timestamp().Logger()
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
