package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("XDOCK_HOSTNAME", "xdock.local")
	t.Setenv("CONTROL_API_KEY", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://xdock.local/", cfg.XDock.BaseURL)
	assert.Equal(t, "api/certificates/payloads", cfg.XDock.PayloadsPath)
	assert.Equal(t, 20*time.Second, cfg.XDock.RequestTimeout)
	assert.Equal(t, 4, cfg.XDock.MaxRetryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.XDock.InitialBackoff)
	assert.Equal(t, 300*time.Second, cfg.Sync.PollingInterval)
	assert.True(t, cfg.Sync.AutoEnabled)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "file", cfg.Archive.Driver)
	assert.Equal(t, 3, cfg.Control.Confirmations)
	// 4 x 20s attempts + 500ms + 1s + 2s backoff + 20s import slack
	assert.Equal(t, 103500*time.Millisecond, cfg.Sync.CycleTimeout)
}

func TestLoadClampsLowerBounds(t *testing.T) {
	setRequired(t)
	t.Setenv("XDOCK_REQUEST_TIMEOUT_SECONDS", "1")
	t.Setenv("XDOCK_MAX_RETRY_ATTEMPTS", "0")
	t.Setenv("XDOCK_INITIAL_BACKOFF_MS", "10")
	t.Setenv("SYNC_POLLING_INTERVAL_SECONDS", "1")
	t.Setenv("SYNC_CYCLE_TIMEOUT_SECONDS", "42")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, MinRequestTimeout, cfg.XDock.RequestTimeout)
	assert.Equal(t, 1, cfg.XDock.MaxRetryAttempts)
	assert.Equal(t, MinInitialBackoff, cfg.XDock.InitialBackoff)
	assert.Equal(t, MinPollingInterval, cfg.Sync.PollingInterval)
	assert.Equal(t, 42*time.Second, cfg.Sync.CycleTimeout)
}

func TestLoadClampsRetryAttempts(t *testing.T) {
	setRequired(t)
	t.Setenv("XDOCK_MAX_RETRY_ATTEMPTS", "60")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, MaxRetryAttempts, cfg.XDock.MaxRetryAttempts)
	assert.Positive(t, cfg.Sync.CycleTimeout)
	assert.Less(t, cfg.Sync.CycleTimeout, 2*time.Hour)
}

func TestLoadValidation(t *testing.T) {
	var tests = map[string]struct {
		env map[string]string
	}{
		"missing hostname": {
			env: map[string]string{"CONTROL_API_KEY": "k"},
		},
		"missing api key": {
			env: map[string]string{"XDOCK_HOSTNAME": "h"},
		},
		"postgres without url": {
			env: map[string]string{"XDOCK_HOSTNAME": "h", "CONTROL_API_KEY": "k", "STORE_DRIVER": "postgres"},
		},
		"unknown store": {
			env: map[string]string{"XDOCK_HOSTNAME": "h", "CONTROL_API_KEY": "k", "STORE_DRIVER": "mysql"},
		},
		"s3 without bucket": {
			env: map[string]string{"XDOCK_HOSTNAME": "h", "CONTROL_API_KEY": "k", "ARCHIVE_DRIVER": "s3"},
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv("XDOCK_HOSTNAME", "")
			t.Setenv("CONTROL_API_KEY", "")
			for k, v := range test.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	var tests = map[string]struct {
		input    string
		expected string
	}{
		"bare host":          {input: "xdock.local", expected: "http://xdock.local/"},
		"host with port":     {input: "10.0.0.5:8080", expected: "http://10.0.0.5:8080/"},
		"bare trailing":      {input: "xdock.local/", expected: "http://xdock.local/"},
		"absolute":           {input: "https://xdock.local/manager", expected: "https://xdock.local/manager/"},
		"absolute trailing":  {input: "https://xdock.local/", expected: "https://xdock.local/"},
		"empty":              {input: "  ", expected: ""},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expected, NormalizeBaseURL(test.input))
		})
	}
}
