// Package logging configures the process-wide zerolog logger.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger. When toFile is
// non-empty, logs go to that file (so a TUI can own the terminal);
// otherwise a console writer on stderr is used. The level is info;
// DEBUG=1 in the environment lowers it to debug.
func Setup(toFile string) {
	level := zerolog.InfoLevel
	if os.Getenv("DEBUG") == "1" {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if toFile != "" {
		f, err := os.OpenFile(toFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Logger = zerolog.Nop()
			return
		}
		log.Logger = zerolog.New(f).With().Timestamp().Logger()
		return
	}

	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	log.Logger = zerolog.New(writer).With().Timestamp().Logger()
}
