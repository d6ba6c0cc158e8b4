package app

import (
	"github.com/avrellis/modelsync/pkg/logger"
)

// ConfigureLogging initialises the global logger from configuration.
func ConfigureLogging(level string) error {
	return logger.Init(level)
}
