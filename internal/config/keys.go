package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "JOYJOIN_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "JOYJOIN_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "llm.backend", typ: kString, env: "JOYJOIN_LLM_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.LLM.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Backend },
	},
	{
		key: "llm.base_url", typ: kString, env: "JOYJOIN_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "JOYJOIN_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.api_key", typ: kString, env: "JOYJOIN_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.timeout", typ: kString, env: "JOYJOIN_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "JOYJOIN_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "session.backend", typ: kString, env: "JOYJOIN_SESSION_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Session.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.Backend },
	},
	{
		key: "session.ttl", typ: kString, env: "JOYJOIN_SESSION_TTL",
		apply:   func(cfg *Config, v any) { cfg.Session.TTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.TTL },
	},
	{
		key: "session.redis_addr", typ: kString, env: "JOYJOIN_SESSION_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Session.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.RedisAddr },
	},
	{
		key: "inference.matcher_threshold", typ: kFloat, env: "JOYJOIN_INFERENCE_MATCHER_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Inference.MatcherThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Inference.MatcherThreshold },
	},
	{
		key: "inference.chain_discount", typ: kFloat, env: "JOYJOIN_INFERENCE_CHAIN_DISCOUNT",
		apply:   func(cfg *Config, v any) { cfg.Inference.ChainDiscount = v.(float64) },
		extract: func(cfg Config) any { return cfg.Inference.ChainDiscount },
	},
	{
		key: "inference.stale_after", typ: kString, env: "JOYJOIN_INFERENCE_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Inference.StaleAfter = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.StaleAfter },
	},
	{
		key: "inference.high_stakes", typ: kString, env: "JOYJOIN_INFERENCE_HIGH_STAKES",
		apply:   func(cfg *Config, v any) { cfg.Inference.HighStakes = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.HighStakes },
	},
	{
		key: "log.level", typ: kString, env: "JOYJOIN_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// applyFile copies every non-secret key present in f onto cfg.
func applyFile(cfg *Config, f *configFile) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		v, ok, err := f.value(s)
		if err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
		if ok {
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
