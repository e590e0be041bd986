package testlog

import (
	"testing"

	"github.com/danmuck/viewsync/internal/logging"
	"github.com/rs/zerolog"
)

// Start configures the test logging profile and returns a logger that writes
// through t so output is attributed to the running test.
func Start(t *testing.T) zerolog.Logger {
	t.Helper()
	logging.ConfigureTests()
	logger := zerolog.New(zerolog.NewTestWriter(t)).With().Str("test", t.Name()).Logger()
	logger.Info().Msg("test start")
	return logger
}
