package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("STUDYTUBE_AUTH_ALLOW_ANONYMOUS", "true")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, 32000, cfg.Audio.FlushThreshold)
	assert.Equal(t, 16000, cfg.Audio.SampleRate)
	assert.Equal(t, 1000, cfg.Audio.MinConvertBytes)
	assert.Equal(t, "none", cfg.STT.Engine)
	assert.Equal(t, time.Second, cfg.STT.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.STT.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.STT.JoinTimeout)
	assert.Equal(t, 10*time.Second, cfg.WS.AuthTimeout)
	assert.True(t, cfg.Auth.AllowAnonymous)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := []byte("port: 9090\nauth:\n  jwt_secret: abc\nstt:\n  engine: http\n  endpoint: http://stt.local/transcribe\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), yaml, 0o644))
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("STUDYTUBE_PORT", "9191")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Port)
	assert.Equal(t, "abc", cfg.Auth.JWTSecret)
	assert.Equal(t, "http", cfg.STT.Engine)
	assert.Equal(t, "http://stt.local/transcribe", cfg.STT.Endpoint)
}

func TestValidate(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("STUDYTUBE_AUTH_ALLOW_ANONYMOUS", "true")
	base, err := Load(nil)
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"no secret":      func(c *Config) { c.Auth.AllowAnonymous = false },
		"bad port":       func(c *Config) { c.Port = 0 },
		"bad engine":     func(c *Config) { c.STT.Engine = "vosk" },
		"http no target": func(c *Config) { c.STT.Engine = "http" },
		"low threshold":  func(c *Config) { c.Audio.FlushThreshold = 10 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := *base
			mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalid)
		})
	}
}
