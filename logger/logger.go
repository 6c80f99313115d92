package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the base logger. Subsystems tag themselves with the "s"
// field on sub-loggers.
func New(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	return zerolog.New(output).With().Timestamp().Logger()
}
