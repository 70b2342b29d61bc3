package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lazypower/engram/internal/embedding"
	"github.com/lazypower/engram/internal/engine"
)

// Config holds all engram configuration.
// Precedence: defaults, then the YAML file, then ENGRAM_* environment variables.
type Config struct {
	Server    ServerConfig               `yaml:"server"`
	Database  DatabaseConfig             `yaml:"database"`
	Embedding EmbeddingConfig            `yaml:"embedding"`
	Cache     embedding.RedisCacheConfig `yaml:"cache"`
	Engine    EngineConfig               `yaml:"engine"`
	Log       LogConfig                  `yaml:"log"`
}

type ServerConfig struct {
	Bind            string        `yaml:"bind"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // empty resolves to store.DefaultDBPath()
}

type EmbeddingConfig struct {
	Provider      string        `yaml:"provider"` // "auto", "ollama" or "hash"
	OllamaURL     string        `yaml:"ollama_url"`
	Model         string        `yaml:"model"`
	Dimensions    int           `yaml:"dimensions"` // hash provider size; ollama reports its own
	MaxInFlight   int           `yaml:"max_in_flight"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	MaxAttempts   int           `yaml:"max_attempts"`
}

// EngineConfig mirrors engine.Config with file-friendly names.
type EngineConfig struct {
	StaleAfter        time.Duration           `yaml:"stale_after"`
	StuckAfter        time.Duration           `yaml:"stuck_after"`
	RecomputeAfter    time.Duration           `yaml:"recompute_after"`
	SweepInterval     time.Duration           `yaml:"sweep_interval"`
	SweepBatch        int                     `yaml:"sweep_batch"`
	SweepConcurrency  int                     `yaml:"sweep_concurrency"`
	MaxContentChars   int                     `yaml:"max_content_chars"`
	DefaultMaxResults int                     `yaml:"default_max_results"`
	MaxResultsCap     int                     `yaml:"max_results_cap"`
	MaxDepth          int                     `yaml:"max_depth"`
	Importance        engine.ImportanceConfig `yaml:"importance"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// Default returns a Config with sensible defaults.
func Default() Config {
	ec := engine.DefaultConfig()
	pc := embedding.DefaultPoolConfig()
	return Config{
		Server: ServerConfig{
			Bind:            "127.0.0.1",
			Port:            37778,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:    "auto",
			OllamaURL:   "http://localhost:11434",
			Model:       "nomic-embed-text",
			Dimensions:  512,
			MaxInFlight: pc.MaxInFlight,
			Timeout:     pc.Timeout,
			Burst:       pc.Burst,
			MaxAttempts: pc.Retry.MaxAttempts,
		},
		Cache: embedding.RedisCacheConfig{
			TTL: 24 * time.Hour,
		},
		Engine: EngineConfig{
			StaleAfter:        ec.StaleAfter,
			StuckAfter:        ec.StuckAfter,
			RecomputeAfter:    ec.RecomputeAfter,
			SweepInterval:     ec.SweepInterval,
			SweepBatch:        ec.SweepBatch,
			SweepConcurrency:  ec.SweepConcurrency,
			MaxContentChars:   ec.MaxContentChars,
			DefaultMaxResults: ec.DefaultMaxResults,
			MaxResultsCap:     ec.MaxResultsCap,
			MaxDepth:          ec.MaxDepth,
			Importance:        ec.Importance,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML file over the defaults and then applies the environment.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from ENGRAM_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("ENGRAM_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("ENGRAM_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ENGRAM_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("ENGRAM_OLLAMA_URL"); v != "" {
		c.Embedding.OllamaURL = v
	}
	if v := os.Getenv("ENGRAM_REDIS_ADDR"); v != "" {
		c.Cache.Addr = v
	}
	if v := os.Getenv("ENGRAM_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Embedding.Provider {
	case "auto", "ollama", "hash":
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q: want auto, ollama or hash", c.Embedding.Provider))
	}
	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dimensions must be positive"))
	}
	if c.Embedding.RatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("embedding.rate_per_second must not be negative"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// EngineSettings converts the engine section; zero fields take engine defaults.
func (c *Config) EngineSettings() engine.Config {
	e := c.Engine
	return engine.Config{
		Importance:        e.Importance,
		StaleAfter:        e.StaleAfter,
		StuckAfter:        e.StuckAfter,
		RecomputeAfter:    e.RecomputeAfter,
		SweepInterval:     e.SweepInterval,
		SweepBatch:        e.SweepBatch,
		SweepConcurrency:  e.SweepConcurrency,
		MaxContentChars:   e.MaxContentChars,
		DefaultMaxResults: e.DefaultMaxResults,
		MaxResultsCap:     e.MaxResultsCap,
		MaxDepth:          e.MaxDepth,
	}
}

// PoolSettings converts the embedding section for an embedding.Pool.
// dims is the vector length the chosen provider produces.
func (c *Config) PoolSettings(dims int) embedding.PoolConfig {
	pc := embedding.DefaultPoolConfig()
	if c.Embedding.MaxInFlight > 0 {
		pc.MaxInFlight = c.Embedding.MaxInFlight
	}
	if c.Embedding.Timeout > 0 {
		pc.Timeout = c.Embedding.Timeout
	}
	pc.RatePerSecond = c.Embedding.RatePerSecond
	if c.Embedding.Burst > 0 {
		pc.Burst = c.Embedding.Burst
	}
	if c.Embedding.MaxAttempts > 0 {
		pc.Retry.MaxAttempts = c.Embedding.MaxAttempts
	}
	pc.Dimensions = dims
	return pc
}
