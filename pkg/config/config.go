package config

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type Configuration struct {
	ListenAddr string
	// NodeName is this instance's globally unique federation name, normally
	// the public hostname peers reach it under.
	NodeName string
	BaseURL  string
	Database struct {
		User     string
		Password string
		Host     string
		DB       string
	}
	Federation FederationSettings
}

type FederationSettings struct {
	// MaxAttempts bounds queue retries per message before it fails terminally.
	MaxAttempts int
	// ProcessInterval is the fixed period of the queue drain task.
	ProcessInterval time.Duration
	// DeliveryTimeout bounds each signed outbound call.
	DeliveryTimeout time.Duration
	// HandshakeTimeout bounds administrator-triggered identity fetches.
	HandshakeTimeout time.Duration
	// Retention is how long terminal queue messages and inbox log entries
	// are kept before being purged.
	Retention time.Duration
	// AutoSuspendAfter is the consecutive-failure count past which a node is
	// suspended automatically. Zero disables auto-suspension.
	AutoSuspendAfter int
	// InboxRatePerMinute caps per-node inbox requests. Lenient by design:
	// legitimate bulk delivery is expected.
	InboxRatePerMinute int
}

// Load reads ebbtide.yaml (plus EBBTIDE_* environment overrides) into a
// Configuration.
func Load() (*Configuration, error) {
	v := viper.New()
	v.SetConfigName("ebbtide")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ebbtide")
	v.SetEnvPrefix("EBBTIDE")
	v.AutomaticEnv()

	v.SetDefault("ListenAddr", ":8080")
	v.SetDefault("Federation.MaxAttempts", 5)
	v.SetDefault("Federation.ProcessInterval", "1m")
	v.SetDefault("Federation.DeliveryTimeout", "15s")
	v.SetDefault("Federation.HandshakeTimeout", "10s")
	v.SetDefault("Federation.Retention", "168h")
	v.SetDefault("Federation.AutoSuspendAfter", 10)
	v.SetDefault("Federation.InboxRatePerMinute", 600)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.StringToTimeDurationHookFunc())); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.NodeName == "" {
		return nil, fmt.Errorf("NodeName is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://" + cfg.NodeName
	}
	return &cfg, nil
}
