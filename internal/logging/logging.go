package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns the process root logger. Unknown levels fall back to info.
func New(service, level string) zerolog.Logger {
	return NewWriter(os.Stdout, service, level)
}

func NewWriter(w io.Writer, service, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", service).Logger()
}
