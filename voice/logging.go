package voice

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// newSessionLogger returns a structured logger scoped to one connection
// attempt, carrying a correlation id so every log line from a given
// attempt (handshake, reconnects, media-tick warnings) can be
// correlated even once the attempt has given way to the next one.
func newSessionLogger(serverAddr string, attempt int) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "harmony-voice",
	})
	return logger.With(
		"server", serverAddr,
		"attempt", attempt,
		"correlation_id", uuid.NewString(),
	)
}
