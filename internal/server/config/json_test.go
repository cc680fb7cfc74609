package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, dir, name string, data map[string]any) string {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	if name == "" {
		name = "cfg.json"
	}
	path := filepath.Join(dir, name)
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func Test_parseJson_SourcesAndPrecedence(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })
	t.Setenv("FRAGNET_CONFIG", "")

	dir := t.TempDir()
	pathFlag := writeTempJSON(t, dir, "flag.json", map[string]any{
		"endpoint_addr_grpc": "tracker.example:9000",
		"metrics_addr":       "",
		"tracker_id":         "t-json",
		"hash_algorithm":     "SHA512",
		"fragment_size":      512,
		"join_timeout":       "7s",
		"request_window":     1000000000,
		"delivery_timeout":   "30s",
		"quorum":             0,
		"log_level":          "warn",
		"log_format":         "json",
	})

	t.Run("loads from json", func(t *testing.T) {
		os.Args = []string{"testbin", "-config", pathFlag}

		cfg := &Config{}
		cfg.LoadDefaults()
		cfg.Quorum = 5
		parseJson(cfg)

		assert.Equal(t, "tracker.example:9000", cfg.EndpointAddrGRPC)
		assert.Empty(t, cfg.MetricsAddr)
		assert.Equal(t, "t-json", cfg.TrackerID)
		assert.Equal(t, "SHA512", cfg.HashAlgorithm)
		assert.Equal(t, int64(512), cfg.FragmentSize)
		assert.Equal(t, 7*time.Second, cfg.JoinTimeout)
		assert.Equal(t, time.Second, cfg.RequestWindow)
		assert.Equal(t, 30*time.Second, cfg.DeliveryTimeout)
		assert.Zero(t, cfg.Quorum)
		assert.Equal(t, "warn", cfg.LogLevel)
		assert.Equal(t, "json", cfg.LogFormat)
	})

	t.Run("env var names the file", func(t *testing.T) {
		os.Args = []string{"testbin"}
		t.Setenv("FRAGNET_CONFIG", pathFlag)

		cfg := &Config{}
		parseJson(cfg)
		assert.Equal(t, "t-json", cfg.TrackerID)
	})

	t.Run("no config → no changes", func(t *testing.T) {
		os.Args = []string{"testbin"}

		cfg := &Config{}
		cfg.LoadDefaults()
		want := *cfg
		parseJson(cfg)
		assert.Equal(t, want, *cfg)
	})

	t.Run("missing keys keep values", func(t *testing.T) {
		partial := writeTempJSON(t, dir, "partial.json", map[string]any{"quorum": 2})
		os.Args = []string{"testbin", "-c", partial}

		cfg := &Config{}
		cfg.LoadDefaults()
		parseJson(cfg)
		assert.Equal(t, 2, cfg.Quorum)
		assert.Equal(t, ":9100", cfg.MetricsAddr)
		assert.Equal(t, 5*time.Second, cfg.JoinTimeout)
	})

	t.Run("bad file panics", func(t *testing.T) {
		os.Args = []string{"testbin", "-c", filepath.Join(dir, "missing.json")}
		assert.Panics(t, func() { parseJson(&Config{}) })

		broken := filepath.Join(dir, "broken.json")
		require.NoError(t, os.WriteFile(broken, []byte("{"), 0o600))
		os.Args = []string{"testbin", "-c", broken}
		assert.Panics(t, func() { parseJson(&Config{}) })
	})
}
