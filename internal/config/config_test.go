package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:37778", cfg.ListenAddr())
	assert.Empty(t, cfg.Cache.Addr, "redis cache is off by default")
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
embedding:
  provider: hash
  dimensions: 256
  timeout: 3s
cache:
  addr: localhost:6379
  ttl: 1h
engine:
  stale_after: 72h
  importance:
    propagation_factor: 0.1
log:
  format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Bind, "unset fields keep defaults")
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, 3*time.Second, cfg.Embedding.Timeout)
	assert.Equal(t, "localhost:6379", cfg.Cache.Addr)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "json", cfg.Log.Format)

	ec := cfg.EngineSettings()
	assert.Equal(t, 72*time.Hour, ec.StaleAfter)
	assert.Equal(t, 0.1, ec.Importance.PropagationFactor)
	assert.Equal(t, 0.5, ec.Importance.Baseline)

	pc := cfg.PoolSettings(256)
	assert.Equal(t, 3*time.Second, pc.Timeout)
	assert.Equal(t, 256, pc.Dimensions)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("ENGRAM_DB", "/tmp/other.db")
	t.Setenv("ENGRAM_PORT", "4000")
	t.Setenv("ENGRAM_OLLAMA_URL", "http://ollama:11434")
	t.Setenv("ENGRAM_REDIS_ADDR", "redis:6379")
	t.Setenv("ENGRAM_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.db", cfg.Database.Path)
	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "http://ollama:11434", cfg.Embedding.OllamaURL)
	assert.Equal(t, "redis:6379", cfg.Cache.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestBadPortEnv(t *testing.T) {
	t.Setenv("ENGRAM_PORT", "eighty")
	_, err := Load("")
	assert.ErrorContains(t, err, "ENGRAM_PORT")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Embedding.Provider = "openai"
	cfg.Log.Level = "verbose"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "server.port")
	assert.ErrorContains(t, err, "embedding.provider")
	assert.ErrorContains(t, err, "log.level")
}
