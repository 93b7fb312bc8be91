package testlog

import (
	"testing"

	"github.com/danmuck/realmctl/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start configures the test logging profile and prints a banner for t.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("test start")
}
