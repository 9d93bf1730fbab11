package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rlm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RLM_MAX_ITERATIONS", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.MaxIterations)
	assert.Equal(t, 2000, cfg.MaxObservationChars)
	assert.Equal(t, 4, cfg.SubCallConcurrency)
	assert.Equal(t, time.Duration(0), cfg.ExecTimeout)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
provider: openai
base_url: http://localhost:11434/v1
root_model: root-model
sub_model: sub-model
max_iterations: 7
exec_timeout: 30s
retry:
  max_retries: 5
  base_delay: 100ms
rate_limit:
  requests_per_second: 2
  burst: 1
`)
	t.Setenv("RLM_ROOT_MODEL", "")
	t.Setenv("GEMINI_MODEL_NAME", "")
	t.Setenv("RLM_MAX_ITERATIONS", "12")
	t.Setenv("RLM_SUB_MODEL", "env-sub")
	t.Setenv("RLM_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProviderOpenAI, cfg.Provider)
	assert.Equal(t, "http://localhost:11434/v1", cfg.BaseURL)
	assert.Equal(t, "root-model", cfg.RootModel)
	assert.Equal(t, "env-sub", cfg.SubModel)
	assert.Equal(t, 12, cfg.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.ExecTimeout)
	assert.Equal(t, uint64(5), cfg.Retry.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 2.0, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, "sk-test", cfg.APIKey)

	rc := cfg.RLMConfig()
	assert.Equal(t, 12, rc.MaxIterations)
	assert.Equal(t, "env-sub", rc.SubModel)
	assert.Equal(t, 30*time.Second, cfg.PythonConfig().ExecTimeout)
}

func TestLoad_ProviderCaseInsensitive(t *testing.T) {
	path := writeConfig(t, "provider: Gemini\nmax_observation_chars: -1\n")
	t.Setenv("RLM_PROVIDER", "")
	t.Setenv("RLM_MAX_OBSERVATION_CHARS", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ProviderGemini, cfg.Provider)
	assert.Equal(t, -1, cfg.RLMConfig().MaxObservationChars)

	t.Setenv("RLM_PROVIDER", " OpenAI ")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, cfg.Provider)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("RLM_MAX_ITERATIONS", "lots")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RLM_MAX_ITERATIONS")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown provider", func(c *Config) { c.Provider = "anthropic" }, false},
		{"zero iterations", func(c *Config) { c.MaxIterations = 0 }, false},
		{"zero sub iterations", func(c *Config) { c.SubMaxIterations = 0 }, false},
		{"negative history", func(c *Config) { c.MaxHistoryTurns = -1 }, false},
		{"no observation truncation", func(c *Config) { c.MaxObservationChars = -1 }, true},
		{"negative observation limit", func(c *Config) { c.MaxObservationChars = -2 }, false},
		{"zero concurrency", func(c *Config) { c.SubCallConcurrency = 0 }, false},
		{"negative timeout", func(c *Config) { c.ExecTimeout = -time.Second }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNewClient(t *testing.T) {
	cfg := Default()
	cfg.Provider = ProviderOpenAI
	cfg.APIKey = "sk-test"
	cfg.RootModel = "local-model"

	c, err := cfg.NewClient()
	require.NoError(t, err)
	assert.Equal(t, "local-model", c.ModelName())

	cfg = Default()
	cfg.APIKey = ""
	t.Setenv("GEMINI_API_KEY", "")
	_, err = cfg.NewClient()
	assert.Error(t, err)
}
