package e2e

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// E2E_CONVERGE_TIMEOUT bounds how long scenarios wait for the
	// directories to agree with the focus.
	ConvergeTimeout time.Duration `envconfig:"E2E_CONVERGE_TIMEOUT" default:"3s"`
	RequestTimeout  time.Duration `envconfig:"E2E_REQUEST_TIMEOUT" default:"300ms"`
	ResyncBudget    int           `envconfig:"E2E_RESYNC_BUDGET" default:"3"`
	RestartInterval time.Duration `envconfig:"E2E_RESTART_INTERVAL" default:"10ms"`
	LogLevel        string        `envconfig:"E2E_LOG_LEVEL" default:"INFO"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
