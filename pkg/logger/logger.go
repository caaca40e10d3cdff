// Package logger is the process-wide structured logger. It wraps zerolog and
// accepts loosely typed key/value pairs so call sites stay short.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var log = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init configures the global logger. Development environments get a
// human-readable console writer, everything else emits JSON.
func Init(environment string, debug bool) {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	if environment == "development" || environment == "dev" || environment == "" {
		log = zerolog.New(ConsoleWriter()).With().Timestamp().Logger().Level(level)
		return
	}
	log = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
}

// ConsoleWriter is the human-readable writer used in development.
func ConsoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
}

// Logger returns the configured global logger.
func Logger() zerolog.Logger {
	return log
}

// With returns a child logger carrying the given key/value pairs on every event.
func With(keyValues ...any) zerolog.Logger {
	return log.With().Fields(fields(keyValues)).Logger()
}

func Debug(msg string, keyValues ...any) {
	log.Debug().Fields(fields(keyValues)).Msg(msg)
}

func Info(msg string, keyValues ...any) {
	log.Info().Fields(fields(keyValues)).Msg(msg)
}

func Warn(msg string, keyValues ...any) {
	log.Warn().Fields(fields(keyValues)).Msg(msg)
}

// Error logs msg at error level. err may be nil.
func Error(msg string, err error, keyValues ...any) {
	log.Error().Err(err).Fields(fields(keyValues)).Msg(msg)
}

// Fatal logs msg and exits the process.
func Fatal(msg string, err error) {
	log.Fatal().Err(err).Msg(msg)
}

// fields turns alternating key/value pairs into a zerolog field map.
// A dangling key is logged with a nil value.
func fields(keyValues []any) map[string]any {
	if len(keyValues) == 0 {
		return nil
	}
	out := make(map[string]any, (len(keyValues)+1)/2)
	for i := 0; i < len(keyValues); i += 2 {
		key, ok := keyValues[i].(string)
		if !ok {
			key = fmt.Sprint(keyValues[i])
		}
		if i+1 < len(keyValues) {
			out[key] = keyValues[i+1]
		} else {
			out[key] = nil
		}
	}
	return out
}
