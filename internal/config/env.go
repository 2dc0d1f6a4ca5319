package config

import (
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// envOverrides are process-level settings that win over the config file.
// Secrets usually live here rather than in the file.
type envOverrides struct {
	DBPath        string `env:"BULKSENDER_DB_PATH"`
	LogLevel      string `env:"BULKSENDER_LOG_LEVEL"`
	APIKey        string `env:"BULKSENDER_API_KEY"`
	APIAddr       string `env:"BULKSENDER_API_ADDR"`
	TelegramToken string `env:"BULKSENDER_TELEGRAM_TOKEN"`
	GatewayURL    string `env:"BULKSENDER_GATEWAY_URL"`
	GatewayToken  string `env:"BULKSENDER_GATEWAY_TOKEN"`
	PprofToken    string `env:"BULKSENDER_PPROF_TOKEN"`
}

// LoadDotEnv loads .env files into the process environment if present.
// Existing variables are not overwritten.
func LoadDotEnv(files ...string) {
	// Ignore errors - the .env file might not exist and that's ok
	_ = godotenv.Load(files...)
}

// ApplyEnv overlays BULKSENDER_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Storage.Path, o.DBPath)
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.API.APIKey, o.APIKey)
	set(&cfg.API.Addr, o.APIAddr)
	set(&cfg.Notifier.Token, o.TelegramToken)
	set(&cfg.Transport.Gateway.URL, o.GatewayURL)
	set(&cfg.Transport.Gateway.Token, o.GatewayToken)
	set(&cfg.Pprof.Token, o.PprofToken)
	return nil
}
