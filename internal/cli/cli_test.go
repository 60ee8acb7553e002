package cli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unerue/studytube/internal/config"
	"github.com/unerue/studytube/internal/version"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	v := config.New()
	v.Set("auth.allow_anonymous", true)
	v.Set("mode", "test")
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCmd(config.New())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, version.Full()+"\n", out.String())
}

func TestPortFlagOverridesConfig(t *testing.T) {
	v := config.New()
	cmd := NewRootCmd(v)
	require.NoError(t, cmd.PersistentFlags().Parse([]string{"--port", "9090"}))
	assert.Equal(t, 9090, v.GetInt("port"))
}

func TestEngineFactory(t *testing.T) {
	f, err := engineFactory(config.STTConfig{Engine: "none"})
	require.NoError(t, err)
	assert.NotNil(t, f)

	_, err = engineFactory(config.STTConfig{Engine: "http", Endpoint: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = engineFactory(config.STTConfig{Engine: "vosk"})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestBuildServesAndShutsDown(t *testing.T) {
	s, err := Build(loadTestConfig(t))
	require.NoError(t, err)

	for _, path := range []string{"/api/health", "/api/rooms", "/metrics"} {
		w := httptest.NewRecorder()
		s.HTTP.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
	assert.NoError(t, s.Shutdown())
}
