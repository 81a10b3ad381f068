package e2e

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// SERVER_URL points the suite at an already running relay. When empty,
	// the suite starts an in-process relay and tests against that.
	ServerURL string `envconfig:"SERVER_URL"`
	// E2E_DEBUG_JSON dumps every frame exchanged with the relay
	DebugJSON bool `envconfig:"E2E_DEBUG_JSON" default:"false"`
	// E2E_COLOURS enables colorized output for better log readability
	Colours     bool          `envconfig:"E2E_COLOURS" default:"true"`
	ReadTimeout time.Duration `envconfig:"E2E_READ_TIMEOUT" default:"5s"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
