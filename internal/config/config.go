// Package config loads the runtime configuration shared by the server and
// the CLI. Sources are applied in order: defaults, an optional YAML file, a
// .env file, then the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/iuriikogan/rlm-repl/internal/client"
	"github.com/iuriikogan/rlm-repl/internal/env"
	"github.com/iuriikogan/rlm-repl/internal/rlm"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

type Config struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`

	RootModel string `yaml:"root_model"`
	SubModel  string `yaml:"sub_model"`

	MaxIterations       int `yaml:"max_iterations"`
	SubMaxIterations    int `yaml:"sub_max_iterations"`
	MaxObservationChars int `yaml:"max_observation_chars"`
	MaxHistoryTurns     int `yaml:"max_history_turns"`
	SubCallConcurrency  int `yaml:"sub_call_concurrency"`

	PythonPath  string        `yaml:"python_path"`
	ExecTimeout time.Duration `yaml:"exec_timeout"`

	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RetryConfig struct {
	MaxRetries uint64        `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

func Default() Config {
	policy := client.DefaultRetryPolicy()
	return Config{
		Provider:            ProviderGemini,
		MaxIterations:       10,
		SubMaxIterations:    3,
		MaxObservationChars: 2000,
		SubCallConcurrency:  4,
		PythonPath:          "python3",
		Port:                "8080",
		LogLevel:            "info",
		Retry: RetryConfig{
			MaxRetries: policy.MaxRetries,
			BaseDelay:  policy.BaseDelay,
			MaxDelay:   policy.MaxDelay,
		},
	}
}

// Load builds a Config. path may be empty, in which case only defaults and
// the environment apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// A missing .env is the common case.
	_ = godotenv.Load()

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := os.LookupEnv(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	num := func(dst *int, key string) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str(&cfg.Provider, "RLM_PROVIDER")
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	str(&cfg.RootModel, "RLM_ROOT_MODEL", "GEMINI_MODEL_NAME")
	str(&cfg.SubModel, "RLM_SUB_MODEL")
	str(&cfg.BaseURL, "RLM_BASE_URL", "OPENAI_BASE_URL")
	str(&cfg.PythonPath, "RLM_PYTHON_PATH")
	str(&cfg.Port, "PORT", "RLM_PORT")
	str(&cfg.LogLevel, "RLM_LOG_LEVEL")

	str(&cfg.APIKey, "RLM_API_KEY")
	if cfg.APIKey == "" {
		switch cfg.Provider {
		case ProviderGemini:
			str(&cfg.APIKey, "GEMINI_API_KEY")
		case ProviderOpenAI:
			str(&cfg.APIKey, "OPENAI_API_KEY")
		}
	}

	var errs []error
	for key, dst := range map[string]*int{
		"RLM_MAX_ITERATIONS":        &cfg.MaxIterations,
		"RLM_SUB_MAX_ITERATIONS":    &cfg.SubMaxIterations,
		"RLM_MAX_OBSERVATION_CHARS": &cfg.MaxObservationChars,
		"RLM_MAX_HISTORY_TURNS":     &cfg.MaxHistoryTurns,
		"RLM_SUB_CALL_CONCURRENCY":  &cfg.SubCallConcurrency,
	} {
		errs = append(errs, num(dst, key))
	}

	if v := os.Getenv("RLM_EXEC_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RLM_EXEC_TIMEOUT: %w", err))
		} else {
			cfg.ExecTimeout = d
		}
	}
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	switch c.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	if c.MaxIterations <= 0 {
		errs = append(errs, errors.New("max_iterations must be positive"))
	}
	if c.SubMaxIterations <= 0 {
		errs = append(errs, errors.New("sub_max_iterations must be positive"))
	}
	if c.MaxObservationChars < -1 {
		errs = append(errs, errors.New("max_observation_chars must be -1 (no truncation) or more"))
	}
	if c.MaxHistoryTurns < 0 {
		errs = append(errs, errors.New("max_history_turns must not be negative"))
	}
	if c.SubCallConcurrency <= 0 {
		errs = append(errs, errors.New("sub_call_concurrency must be positive"))
	}
	if c.ExecTimeout < 0 {
		errs = append(errs, errors.New("exec_timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// NewClient builds the configured provider wrapped in the retry policy.
func (c Config) NewClient() (client.Client, error) {
	var (
		base client.Client
		err  error
	)
	switch c.Provider {
	case ProviderGemini:
		if c.APIKey == "" {
			return nil, errors.New("GEMINI_API_KEY environment variable is not set")
		}
		base, err = client.NewGeminiClient(c.APIKey, c.RootModel)
	case ProviderOpenAI:
		base, err = client.NewOpenAIClient(c.APIKey, c.BaseURL, c.RootModel)
	default:
		return nil, fmt.Errorf("unknown provider %q", c.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", c.Provider, err)
	}

	return client.WithRetry(base, c.Provider, client.RetryPolicy{
		MaxRetries:        c.Retry.MaxRetries,
		BaseDelay:         c.Retry.BaseDelay,
		MaxDelay:          c.Retry.MaxDelay,
		RequestsPerSecond: c.RateLimit.RequestsPerSecond,
		Burst:             c.RateLimit.Burst,
	}), nil
}

// RLMConfig is the loop configuration derived from c.
func (c Config) RLMConfig() rlm.Config {
	return rlm.Config{
		MaxIterations:       c.MaxIterations,
		SubMaxIterations:    c.SubMaxIterations,
		RootModel:           c.RootModel,
		SubModel:            c.SubModel,
		MaxObservationChars: c.MaxObservationChars,
		MaxHistoryTurns:     c.MaxHistoryTurns,
		SubCallConcurrency:  c.SubCallConcurrency,
	}
}

func (c Config) PythonConfig() env.PythonConfig {
	return env.PythonConfig{
		PythonPath:  c.PythonPath,
		ExecTimeout: c.ExecTimeout,
	}
}
