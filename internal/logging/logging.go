package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wsprdaemon/wsprserver/internal/appconfig"
)

// Level maps the 0..3 verbosity knob onto zerolog levels.
func Level(verbosity int) zerolog.Level {
	switch {
	case verbosity <= 0:
		return zerolog.WarnLevel
	case verbosity == 1:
		return zerolog.InfoLevel
	case verbosity == 2:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// Setup builds the process logger. With a log file configured, output goes
// to a size-rotated file as JSON; otherwise to stderr, human-readable
// unless the json format is forced. The returned closer flushes the
// rotated file and is a no-op for stderr output.
func Setup(cfg appconfig.LoggingConfig) (zerolog.Logger, io.Closer) {
	var out io.Writer
	var closer io.Closer

	if cfg.File != "" {
		maxMB := cfg.MaxMB
		if maxMB <= 0 {
			maxMB = 10
		}
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxMB,
			MaxBackups: 3,
			Compress:   true,
		}
		closer = rotated
		if cfg.Format == "console" {
			out = zerolog.ConsoleWriter{Out: rotated, TimeFormat: time.RFC3339, NoColor: true}
		} else {
			out = rotated
		}
	} else {
		if cfg.Format == "json" {
			out = os.Stderr
		} else {
			out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
	}

	logger := zerolog.New(out).With().Timestamp().Logger().Level(Level(cfg.Verbosity))
	if closer == nil {
		closer = nopCloser{}
	}
	return logger, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
