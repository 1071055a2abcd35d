package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockSecrets is a test double for the secretStore interface.
type mockSecrets struct {
	value string
	err   error
}

func (m mockSecrets) Get(service, account string) (string, error) {
	return m.value, m.err
}

var noSecrets = mockSecrets{err: errors.New("none")}

func writeTempConfig(t *testing.T, content string) *configFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return openConfigFile(path)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(writeTempConfig(t, `{}`), noSecrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.LLM.Backend != "openai" || cfg.LLM.Model != "deepseek-chat" {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if cfg.LLMTimeout() != 3*time.Second {
		t.Errorf("LLMTimeout = %v, want 3s", cfg.LLMTimeout())
	}
	if cfg.SessionTTL() != 2*time.Hour {
		t.Errorf("SessionTTL = %v, want 2h", cfg.SessionTTL())
	}
	if cfg.StaleAfter() != 5*time.Minute {
		t.Errorf("StaleAfter = %v, want 5m", cfg.StaleAfter())
	}
	if cfg.Inference.MatcherThreshold != 0.7 || cfg.Inference.ChainDiscount != 0.8 {
		t.Errorf("Inference = %+v", cfg.Inference)
	}
	if got := strings.Join(cfg.HighStakes(), ","); got != "career,expectations" {
		t.Errorf("HighStakes = %q", got)
	}
	if cfg.Session.Backend != "memory" || cfg.Session.RedisAddr != "localhost:6379" {
		t.Errorf("Session = %+v", cfg.Session)
	}
	if cfg.LogLevel() != slog.LevelInfo {
		t.Errorf("LogLevel = %v", cfg.LogLevel())
	}
}

// TestFileValues verifies that all fields are read from the JSON file.
func TestFileValues(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{
		"server.port": 5000,
		"llm.backend": "ollama",
		"llm.base_url": "http://custom:11434",
		"llm.model": "qwen2.5",
		"llm.timeout": "5s",
		"storage.data_dir": "/tmp/joyjoin-test",
		"session.backend": "redis",
		"session.ttl": "30m",
		"session.redis_addr": "redis:6379",
		"inference.matcher_threshold": "0.75",
		"inference.chain_discount": 0.9,
		"inference.stale_after": "10m",
		"inference.high_stakes": "career, expectations ,values",
		"log.level": "debug"
	}`)

	cfg, err := loadWith(b, noSecrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.LLM.Backend != "ollama" || cfg.LLM.BaseURL != "http://custom:11434" || cfg.LLM.Model != "qwen2.5" {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if cfg.LLMTimeout() != 5*time.Second {
		t.Errorf("LLMTimeout = %v", cfg.LLMTimeout())
	}
	if cfg.Storage.DataDir != "/tmp/joyjoin-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Session.Backend != "redis" || cfg.SessionTTL() != 30*time.Minute || cfg.Session.RedisAddr != "redis:6379" {
		t.Errorf("Session = %+v", cfg.Session)
	}
	if cfg.Inference.MatcherThreshold != 0.75 || cfg.Inference.ChainDiscount != 0.9 {
		t.Errorf("Inference = %+v", cfg.Inference)
	}
	if cfg.StaleAfter() != 10*time.Minute {
		t.Errorf("StaleAfter = %v", cfg.StaleAfter())
	}
	if got := strings.Join(cfg.HighStakes(), ","); got != "career,expectations,values" {
		t.Errorf("HighStakes = %q", got)
	}
	if cfg.LogLevel() != slog.LevelDebug {
		t.Errorf("LogLevel = %v", cfg.LogLevel())
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("JOYJOIN_SERVER_PORT", "6000")
	t.Setenv("JOYJOIN_LLM_MODEL", "env-model")
	t.Setenv("JOYJOIN_INFERENCE_MATCHER_THRESHOLD", "0.8")
	t.Setenv("JOYJOIN_LLM_API_KEY", "env-key")

	cfg, err := loadWith(writeTempConfig(t, `{"server.port": 5000, "llm.model": "file-model"}`), mockSecrets{value: "file-secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.LLM.Model != "env-model" {
		t.Errorf("LLM.Model = %q, want env-model", cfg.LLM.Model)
	}
	if cfg.Inference.MatcherThreshold != 0.8 {
		t.Errorf("MatcherThreshold = %v, want 0.8", cfg.Inference.MatcherThreshold)
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env-key", cfg.LLM.APIKey)
	}
}

// TestSecretsAreNotReadFromFile verifies secret keys in the config file are ignored.
func TestSecretsAreNotReadFromFile(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(writeTempConfig(t, `{"llm.api_key": "leaked", "server.api_token": "leaked"}`), noSecrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "" || cfg.Server.APIToken != "" {
		t.Errorf("secrets read from config file: %+v %+v", cfg.LLM, cfg.Server)
	}
}

// TestSecretsFallback verifies the secrets file is consulted when no API key is in env.
func TestSecretsFallback(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(writeTempConfig(t, `{}`), mockSecrets{value: "stored-secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "stored-secret" {
		t.Errorf("APIKey = %q, want stored-secret", cfg.LLM.APIKey)
	}
}

func TestSecretsFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "joyjoin", "secrets.json")
	if err := setSecret(path, "joyjoin", "llm_api_key", "sk-123"); err != nil {
		t.Fatalf("setSecret: %v", err)
	}
	got, err := secretsFile{path: path}.Get("joyjoin", "llm_api_key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "sk-123" {
		t.Errorf("got %q, want sk-123", got)
	}
	if _, err := (secretsFile{path: path}).Get("joyjoin", "other"); err == nil {
		t.Error("expected error for unknown account")
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	cases := map[string]string{
		"bad llm backend":     `{"llm.backend": "gpt"}`,
		"bad session backend": `{"session.backend": "etcd"}`,
		"bad duration":        `{"llm.timeout": "soon"}`,
		"negative duration":   `{"session.ttl": "-1m"}`,
		"threshold too high":  `{"inference.matcher_threshold": "1.5"}`,
		"zero discount":       `{"inference.chain_discount": "0"}`,
		"bad port":            `{"server.port": 70000}`,
		"fractional port":     `{"server.port": 4100.5}`,
		"text discount":       `{"inference.chain_discount": "lots"}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := loadWith(writeTempConfig(t, content), noSecrets); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSetKey(t *testing.T) {
	b := writeTempConfig(t, `{}`)

	if err := setKey(b, "server.port", "4200"); err != nil {
		t.Fatalf("setKey port: %v", err)
	}
	if err := setKey(b, "inference.matcher_threshold", "0.65"); err != nil {
		t.Fatalf("setKey threshold: %v", err)
	}
	if err := setKey(b, "server.port", "many"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKey(b, "inference.chain_discount", "lots"); err == nil {
		t.Error("expected error for non-numeric discount")
	}
	if err := setKey(b, "llm.api_key", "sk"); err == nil || !strings.Contains(err.Error(), "JOYJOIN_LLM_API_KEY") {
		t.Errorf("secret key: err = %v", err)
	}
	if err := setKey(b, "nope", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	clearEnv(t)
	cfg, err := loadWith(openConfigFile(b.path), noSecrets)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4200 || cfg.Inference.MatcherThreshold != 0.65 {
		t.Errorf("cfg = %+v %+v", cfg.Server, cfg.Inference)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.LLM.APIKey = "sk-secret"
	for _, k := range ShowAll(cfg) {
		if k.Key == "llm.api_key" || k.Key == "server.api_token" || k.Value == "sk-secret" {
			t.Errorf("secret shown: %+v", k)
		}
	}
	for _, k := range ValidKeys() {
		if k == "llm.api_key" {
			t.Error("secret listed as settable key")
		}
	}
}

func TestAPIToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")

	cfg := defaults()
	cfg.Server.APIToken = "from-env"
	if tok, err := apiToken(cfg, path); err != nil || tok != "from-env" {
		t.Fatalf("apiToken = %q, %v; want from-env", tok, err)
	}

	cfg.Server.APIToken = ""
	first, err := apiToken(cfg, path)
	if err != nil {
		t.Fatalf("apiToken: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("generated token length = %d, want 64", len(first))
	}
	second, err := apiToken(cfg, path)
	if err != nil {
		t.Fatalf("apiToken: %v", err)
	}
	if second != first {
		t.Errorf("token not reused: %q != %q", second, first)
	}
}
