package internal

import (
	"fmt"
	"time"
)

type Config struct {
	BufferSize      int           `env:"BUFFER_SIZE,required=true"`
	LimitMessages   *int          `env:"LIMIT_MESSAGES"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT,required=true"`
	ResyncBudget    int           `env:"RESYNC_BUDGET,required=true"`
	RestartInterval time.Duration `env:"RESTART_INTERVAL,required=true"`
	BadgerFilepath  string        `env:"BADGER_FILEPATH,required=true"`
	BlugeFilepath   string        `env:"BLUGE_FILEPATH,required=true"`
	LogLevel        string        `env:"LOG_LEVEL,required=true"`
	LocalAddress    string        `env:"LOCAL_ADDRESS,required=true"`
	DeviceID        string        `env:"DEVICE_ID,required=true"`
	FocusDomain     string        `env:"FOCUS_DOMAIN,required=true"`
	ImdnReporting   bool          `env:"IMDN_REPORTING"`
}

func (c Config) Validate() error {
	if c.ResyncBudget <= 0 {
		return fmt.Errorf("RESYNC_BUDGET must be positive, got %d", c.ResyncBudget)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	return nil
}
