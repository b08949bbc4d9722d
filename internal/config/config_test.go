package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, "db.sqlite3", cfg.Sqlite.Dsn)
	assert.Equal(t, "docrelay_", cfg.Sqlite.Prefix)
	assert.Equal(t, []string{"console", "file"}, cfg.Log.Writer)
	assert.Equal(t, 30*time.Second, cfg.Control.PayloadTimeout)
	assert.Equal(t, 3000, cfg.Browser.ProcessTimeoutMS)
	require.Len(t, cfg.Control.Patterns, 3)
	assert.Equal(t, "segment", cfg.Control.Patterns[2].Mode)
	assert.NoError(t, cfg.Validate())
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8787", cfg.Bridge.Listen)
	assert.Len(t, cfg.Control.Patterns, 3)
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docrelay.yaml")
	content := `
log:
  level: info
  writer: [console]
control:
  payload_timeout: 5s
  patterns:
    - mode: prefix
      value: https://flow.example.com/files/
      action: divert
      mechanisms: [fetch]
bridge:
  listen: 0.0.0.0:9000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, []string{"console"}, cfg.Log.Writer)
	assert.Equal(t, 5*time.Second, cfg.Control.PayloadTimeout)
	assert.Equal(t, "0.0.0.0:9000", cfg.Bridge.Listen)
	require.Len(t, cfg.Control.Patterns, 1)
	assert.Equal(t, []string{"fetch"}, cfg.Control.Patterns[0].Mechanisms)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DOCRELAY_BRIDGE_LISTEN", "127.0.0.1:1234")
	t.Setenv("DOCRELAY_CONTROL_PAYLOAD_TIMEOUT", "2s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1234", cfg.Bridge.Listen)
	assert.Equal(t, 2*time.Second, cfg.Control.PayloadTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero timeout", func(c *Config) { c.Control.PayloadTimeout = 0 }},
		{"empty value", func(c *Config) { c.Control.Patterns[0].Value = "" }},
		{"bad action", func(c *Config) { c.Control.Patterns[0].Action = "drop" }},
		{"bad mode", func(c *Config) { c.Control.Patterns[0].Mode = "fuzzy" }},
		{"negative attach timeout", func(c *Config) { c.Browser.AttachTimeoutMS = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestValidateMatchesRuleParsing(t *testing.T) {
	c := NewConfig()
	c.Control.Patterns = []PatternConfig{
		{Mode: "Segment", Value: "public", Action: "Divert"},
		{Mode: "", Value: "/lib/", Action: " PASS "},
		{Mode: "GLOB", Value: "*.pdf", Action: "divert"},
	}
	assert.NoError(t, c.Validate())
	assert.Equal(t, DefaultAttachTimeoutMS, c.Browser.AttachTimeoutMS)
}
