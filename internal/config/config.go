package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// vapidKeyPattern is the URL-safe base64 alphabet. Application server
// keys are distributed unpadded in this encoding; anything else is a
// deployment mistake and must fail before a subscribe is attempted.
var vapidKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// vapidKeyLen is the length of an uncompressed P-256 public key.
const vapidKeyLen = 65

type Config struct {
	// APIBaseURL is the base URL of the REST backend.
	APIBaseURL string `yaml:"api_base_url"`
	// RelayURL is the websocket URL of the realtime relay.
	RelayURL string `yaml:"relay_url"`
	// VAPIDPublicKey is the application server key used to derive
	// push encryption parameters, URL-safe base64 without padding.
	VAPIDPublicKey string `yaml:"vapid_public_key"`
	// AgentAddr is the listen address of the background delivery
	// agent's push ingress.
	AgentAddr string `yaml:"agent_addr"`
	// AgentRateLimitPerSec bounds push deliveries accepted per
	// source IP per second.
	AgentRateLimitPerSec float64 `yaml:"agent_rate_limit_per_sec"`

	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
	// ShutdownTimeout bounds graceful shutdown of the daemons.
	ShutdownTimeout time.Duration `yaml:"-"`
}

// DecodeVAPIDKey validates and decodes an application server key.
func DecodeVAPIDKey(key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("application server key is empty")
	}
	if !vapidKeyPattern.MatchString(key) {
		return nil, fmt.Errorf("application server key is not URL-safe base64")
	}

	raw, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("decode application server key: %w", err)
	}
	if len(raw) != vapidKeyLen {
		return nil, fmt.Errorf("application server key is %d bytes, want %d", len(raw), vapidKeyLen)
	}

	return raw, nil
}

func NewConfig(apiBaseURL, relayURL, vapidPublicKey string) (*Config, error) {
	if apiBaseURL == "" {
		return nil, fmt.Errorf("API base URL cannot be empty")
	}
	if relayURL == "" {
		return nil, fmt.Errorf("relay URL cannot be empty")
	}
	if _, err := DecodeVAPIDKey(vapidPublicKey); err != nil {
		return nil, fmt.Errorf("vapid public key: %w", err)
	}

	return &Config{
		APIBaseURL:      apiBaseURL,
		RelayURL:        relayURL,
		VAPIDPublicKey:  vapidPublicKey,
		ShutdownTimeout: 10 * time.Second,
	}, nil
}

// Load reads a daemon configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.AgentAddr == "" {
		cfg.AgentAddr = "localhost:8090"
	}
	if cfg.AgentRateLimitPerSec <= 0 {
		cfg.AgentRateLimitPerSec = 5
	}
	if cfg.ShutdownTimeoutSeconds <= 0 {
		cfg.ShutdownTimeoutSeconds = 10
	}
	cfg.ShutdownTimeout = time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second

	return &cfg, nil
}
