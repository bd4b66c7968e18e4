package observ

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var logger zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "event"
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Log emits one structured JSON line per event. Components pass a short
// snake_case event name plus context fields.
func Log(event string, kv map[string]any) {
	logger.Info().Fields(kv).Msg(event)
}

// Warn is for conditions an operator should notice but that do not stop the loop.
func Warn(event string, kv map[string]any) {
	logger.Warn().Fields(kv).Msg(event)
}

// Error carries the error under "error" so log pipelines can index it.
func Error(event string, err error, kv map[string]any) {
	logger.Error().Err(err).Fields(kv).Msg(event)
}

// SetOutput redirects log output; tests use this to capture lines.
func SetOutput(w io.Writer) {
	logger = zerolog.New(w).With().Timestamp().Logger()
}
