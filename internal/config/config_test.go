package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVAPIDKey(t *testing.T) string {
	t.Helper()
	raw := make([]byte, vapidKeyLen)
	raw[0] = 0x04
	return base64.RawURLEncoding.EncodeToString(raw)
}

func TestNewConfig(t *testing.T) {
	var (
		apiBaseURL = "http://localhost:3000/api"
		relayURL   = "ws://localhost:8080/ws"
		vapidKey   = testVAPIDKey(t)
	)

	tcases := []struct {
		name     string
		api      string
		relay    string
		vapidKey string
		err      bool
	}{
		{
			name:     "valid config",
			api:      apiBaseURL,
			relay:    relayURL,
			vapidKey: vapidKey,
			err:      false,
		},
		{
			name:     "empty API base URL",
			api:      "",
			relay:    relayURL,
			vapidKey: vapidKey,
			err:      true,
		},
		{
			name:     "empty relay URL",
			api:      apiBaseURL,
			relay:    "",
			vapidKey: vapidKey,
			err:      true,
		},
		{
			name:     "empty vapid key",
			api:      apiBaseURL,
			relay:    relayURL,
			vapidKey: "",
			err:      true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			config, err := NewConfig(tc.api, tc.relay, tc.vapidKey)
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)

			assert.Equal(t, tc.api, config.APIBaseURL, "expected API base URL to match")
			assert.Equal(t, tc.relay, config.RelayURL, "expected relay URL to match")
			assert.Equal(t, tc.vapidKey, config.VAPIDPublicKey, "expected vapid key to match")
			assert.Equal(t, 10*time.Second, config.ShutdownTimeout, "expected default shutdown timeout")
		})
	}
}

func TestDecodeVAPIDKey(t *testing.T) {
	tcases := []struct {
		name        string
		key         string
		expectError bool
	}{
		{
			name:        "valid key",
			key:         testVAPIDKey(t),
			expectError: false,
		},
		{
			name:        "empty key",
			key:         "",
			expectError: true,
		},
		{
			name: "standard base64 alphabet rejected",
			// '+' and '/' are valid standard base64 but not URL-safe.
			key:         "ab+cd/" + testVAPIDKey(t)[6:],
			expectError: true,
		},
		{
			name:        "padded key rejected",
			key:         testVAPIDKey(t) + "=",
			expectError: true,
		},
		{
			name:        "wrong length",
			key:         base64.RawURLEncoding.EncodeToString(make([]byte, 32)),
			expectError: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := DecodeVAPIDKey(tc.key)
			if tc.expectError {
				assert.Error(t, err, "expected error for key: %s", tc.key)
				return
			}
			assert.NoError(t, err, "expected no error for key: %s", tc.key)
			assert.Len(t, raw, vapidKeyLen, "expected decoded key length to match")
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("full config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `api_base_url: http://localhost:3000/api
relay_url: ws://localhost:8080/ws
vapid_public_key: ` + testVAPIDKey(t) + `
agent_addr: localhost:9000
agent_rate_limit_per_sec: 2
shutdown_timeout_seconds: 5
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err, "expected no error loading config")

		assert.Equal(t, "http://localhost:3000/api", cfg.APIBaseURL)
		assert.Equal(t, "ws://localhost:8080/ws", cfg.RelayURL)
		assert.Equal(t, "localhost:9000", cfg.AgentAddr)
		assert.Equal(t, float64(2), cfg.AgentRateLimitPerSec)
		assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	})

	t.Run("defaults applied", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("api_base_url: http://localhost:3000\n"), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err, "expected no error loading config")

		assert.Equal(t, "localhost:8090", cfg.AgentAddr, "expected default agent address")
		assert.Equal(t, float64(5), cfg.AgentRateLimitPerSec, "expected default rate limit")
		assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout, "expected default shutdown timeout")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err, "expected error for missing file")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("api_base_url: [unclosed\n"), 0o600))

		_, err := Load(path)
		assert.Error(t, err, "expected error for malformed yaml")
	})
}
