package observ

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Setup configures the process-wide logger. level is a zerolog level name;
// unknown names fall back to info.
func Setup(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	logger = zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

// Logger returns a sub-logger tagged with a component name.
func Logger(component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// Event emits a one-off structured event with arbitrary fields.
func Event(event string, kv map[string]any) {
	logger.Info().Fields(kv).Msg(event)
}
