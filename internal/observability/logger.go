package observability

import (
	"os"

	"github.com/danmuck/restpipe/internal/logging"
	"github.com/rs/zerolog"
)

// InitLogger installs the process-wide logger from cfg, after the
// RESTPIPE_LOG_* environment overrides, and returns it.
func InitLogger(cfg logging.Config) zerolog.Logger {
	logging.ApplyEnvOverrides(&cfg)
	return logging.Install(cfg, os.Stderr)
}
