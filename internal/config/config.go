// Package config loads proxy configuration from the environment, with an
// optional YAML overlay file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all settings for the proxy.
type Config struct {
	Port         int    `yaml:"port"`
	UpstreamURL  string `yaml:"upstream_url"`
	RedisURL     string `yaml:"redis_url"`
	QdrantURL    string `yaml:"qdrant_url"`
	EmbeddingURL string `yaml:"embedding_url"`
	LogPath      string `yaml:"log_path"`
	CostModel    string `yaml:"cost_model"`

	Collection string        `yaml:"collection"`
	Dimension  int           `yaml:"dimension"`
	Threshold  float32       `yaml:"similarity_threshold"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	HotTTL     time.Duration `yaml:"hot_ttl"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// APIKey comes from GROQ_API_KEY only, never from the overlay file.
	APIKey string `yaml:"-"`
}

// Load builds the configuration in three layers: built-in defaults, an
// optional YAML overlay named by SEMCACHE_CONFIG (with ${VAR} expansion), and
// environment variables, which win.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         3000,
		UpstreamURL:  "https://api.groq.com/openai",
		RedisURL:     "redis://localhost:6379",
		QdrantURL:    "http://localhost:6333",
		EmbeddingURL: "http://localhost:8000",
		LogPath:      "./requests.log",
		CostModel:    "llama-3.1-8b-instant",
		Collection:   "llm_cache",
		Dimension:    384,
		Threshold:    0.90,
		DefaultTTL:   24 * time.Hour,
		HotTTL:       time.Hour,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	if path := os.Getenv("SEMCACHE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.APIKey = os.Getenv("GROQ_API_KEY")

	setString(&cfg.UpstreamURL, "UPSTREAM_URL")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.QdrantURL, "QDRANT_URL")
	setString(&cfg.EmbeddingURL, "EMBEDDING_URL")
	setString(&cfg.LogPath, "LOG_PATH")
	setString(&cfg.CostModel, "COST_MODEL")

	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("SIMILARITY_THRESHOLD"); v != "" {
		if t, err := strconv.ParseFloat(v, 32); err == nil {
			cfg.Threshold = float32(t)
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func validate(cfg *Config) error {
	if cfg.APIKey == "" {
		return fmt.Errorf("GROQ_API_KEY must be set")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return fmt.Errorf("similarity_threshold must be between 0 and 1, got %g", cfg.Threshold)
	}
	if cfg.Dimension < 1 {
		return fmt.Errorf("dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.UpstreamURL == "" {
		return fmt.Errorf("upstream_url is required")
	}
	if cfg.RedisURL == "" {
		return fmt.Errorf("redis_url is required")
	}
	if cfg.QdrantURL == "" {
		return fmt.Errorf("qdrant_url is required")
	}
	if cfg.EmbeddingURL == "" {
		return fmt.Errorf("embedding_url is required")
	}
	return nil
}
