package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// RelayServerConfig configures the relay binary.
type RelayServerConfig struct {
	Server ServerConfig
	Auth   AuthConfig
	Redis  RedisConfig
	Match  MatchConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type AuthConfig struct {
	IssuerURL string `mapstructure:"issuer_url"`
}

// RedisConfig is optional; an empty Addr disables the task journal.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type MatchConfig struct {
	OfferTimeoutSec int64 `mapstructure:"offer_timeout_sec"`
}

func LoadRelay() (*RelayServerConfig, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("match.offer_timeout_sec", 60)

	// Config file (optional)
	v.SetConfigName("relay")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":             "RELAY_PORT",
		"auth.issuer_url":         "HOKIPOKI_KEYCLOAK_ISSUER",
		"redis.addr":              "REDIS_ADDR",
		"redis.password":          "REDIS_PASSWORD",
		"match.offer_timeout_sec": "OFFER_TIMEOUT_SEC",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &RelayServerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *RelayServerConfig) validate() error {
	if c.Auth.IssuerURL == "" {
		return fmt.Errorf("required config missing: HOKIPOKI_KEYCLOAK_ISSUER")
	}
	if c.Match.OfferTimeoutSec <= 0 {
		return fmt.Errorf("OFFER_TIMEOUT_SEC must be positive")
	}
	return nil
}
