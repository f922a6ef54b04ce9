package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config carries everything the peer CLI needs: identity provider,
// marketplace backend, relay endpoint, tunnel server and sandbox knobs.
type Config struct {
	Identity IdentityConfig
	Backend  BackendConfig
	Relay    RelayConfig
	Tunnel   TunnelConfig
	Sandbox  SandboxConfig
}

type IdentityConfig struct {
	IssuerURL string `mapstructure:"issuer_url"`
	ClientID  string `mapstructure:"client_id"`
}

type BackendConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type RelayConfig struct {
	URL string `mapstructure:"url"`
}

type TunnelConfig struct {
	ServerAddr   string `mapstructure:"server_addr"`
	ServerPort   int    `mapstructure:"server_port"`
	AuthToken    string `mapstructure:"auth_token"`
	HTTPPort     int    `mapstructure:"http_port"`
	TunnelDomain string `mapstructure:"tunnel_domain"`
}

type SandboxConfig struct {
	Image      string `mapstructure:"image"`
	DebugPause bool   `mapstructure:"debug_pause"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("identity.issuer_url", "https://auth.hoki-poki.ai/realms/hokipoki")
	v.SetDefault("identity.client_id", "hokipoki-cli")
	v.SetDefault("backend.base_url", "https://api.hoki-poki.ai")
	v.SetDefault("relay.url", "wss://relay.hoki-poki.ai/ws")
	v.SetDefault("tunnel.server_port", 7000)
	v.SetDefault("tunnel.http_port", 8080)
	v.SetDefault("sandbox.image", "hokipoki-sandbox:latest")

	// Config file (optional)
	v.SetConfigName("hokipoki")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.hokipoki")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"identity.issuer_url":  "HOKIPOKI_KEYCLOAK_ISSUER",
		"identity.client_id":   "HOKIPOKI_CLIENT_ID",
		"backend.base_url":     "BACKEND_URL",
		"relay.url":            "HOKIPOKI_RELAY_URL",
		"tunnel.server_addr":   "FRP_SERVER_ADDR",
		"tunnel.server_port":   "FRP_SERVER_PORT",
		"tunnel.auth_token":    "FRP_AUTH_TOKEN",
		"tunnel.http_port":     "FRP_HTTP_PORT",
		"tunnel.tunnel_domain": "FRP_TUNNEL_DOMAIN",
		"sandbox.image":        "HOKIPOKI_SANDBOX_IMAGE",
		"sandbox.debug_pause":  "DEBUG_PAUSE",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Identity.IssuerURL, "HOKIPOKI_KEYCLOAK_ISSUER"},
		{c.Identity.ClientID, "HOKIPOKI_CLIENT_ID"},
		{c.Backend.BaseURL, "BACKEND_URL"},
		{c.Relay.URL, "HOKIPOKI_RELAY_URL"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	return nil
}
