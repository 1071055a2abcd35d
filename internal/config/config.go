package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	LLM       LLMConfig
	Storage   StorageConfig
	Session   SessionConfig
	Inference InferenceConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type LLMConfig struct {
	Backend string // "openai" or "ollama"
	BaseURL string
	Model   string
	APIKey  string
	Timeout string
}

type StorageConfig struct {
	DataDir string
}

type SessionConfig struct {
	Backend   string // "memory" or "redis"
	TTL       string
	RedisAddr string
}

type InferenceConfig struct {
	MatcherThreshold float64
	ChainDiscount    float64
	StaleAfter       string
	HighStakes       string // comma-separated dimensions
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		LLM: LLMConfig{
			Backend: "openai",
			BaseURL: "https://api.deepseek.com/v1",
			Model:   "deepseek-chat",
			Timeout: "3s",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Session: SessionConfig{
			Backend:   "memory",
			TTL:       "2h",
			RedisAddr: "localhost:6379",
		},
		Inference: InferenceConfig{
			MatcherThreshold: 0.7,
			ChainDiscount:    0.8,
			StaleAfter:       "5m",
			HighStakes:       "career,expectations",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/joyjoin/config.json, then applies JOYJOIN_* environment
// variables. Secrets are only read from the environment or, for the LLM API
// key, from $XDG_DATA_HOME/joyjoin/secrets.json.
func Load() (Config, error) {
	return loadWith(openConfigFile(configFilePath()), secretsFile{path: secretsFilePath()})
}

func loadWith(f *configFile, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyFile(&cfg, f); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" {
		if key, err := secrets.Get("joyjoin", "llm_api_key"); err == nil && key != "" {
			cfg.LLM.APIKey = key
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enum values, durations and ranges.
func (c Config) Validate() error {
	switch c.LLM.Backend {
	case "openai", "ollama":
	default:
		return fmt.Errorf("llm.backend: unknown backend %q (want openai or ollama)", c.LLM.Backend)
	}
	switch c.Session.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("session.backend: unknown backend %q (want memory or redis)", c.Session.Backend)
	}
	for key, raw := range map[string]string{
		"llm.timeout":           c.LLM.Timeout,
		"session.ttl":           c.Session.TTL,
		"inference.stale_after": c.Inference.StaleAfter,
	} {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", key, raw)
		}
	}
	if t := c.Inference.MatcherThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("inference.matcher_threshold: must be in (0,1], got %v", t)
	}
	if d := c.Inference.ChainDiscount; d <= 0 || d > 1 {
		return fmt.Errorf("inference.chain_discount: must be in (0,1], got %v", d)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: out of range: %d", c.Server.Port)
	}
	return nil
}

// LLMTimeout returns llm.timeout as a duration.
func (c Config) LLMTimeout() time.Duration { return mustDuration(c.LLM.Timeout) }

// SessionTTL returns session.ttl as a duration.
func (c Config) SessionTTL() time.Duration { return mustDuration(c.Session.TTL) }

// StaleAfter returns inference.stale_after as a duration.
func (c Config) StaleAfter() time.Duration { return mustDuration(c.Inference.StaleAfter) }

// HighStakes returns inference.high_stakes as a list.
func (c Config) HighStakes() []string {
	out := []string{}
	for _, d := range strings.Split(c.Inference.HighStakes, ",") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// LogLevel returns log.level as a slog level. Unknown values mean info.
func (c Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// mustDuration parses a duration already checked by Validate; zero on error.
func mustDuration(raw string) time.Duration {
	d, _ := time.ParseDuration(raw)
	return d
}
