package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

// configFile is the flat JSON object at $XDG_CONFIG_HOME/joyjoin/config.json,
// keyed by the dotted names in specs. Numbers may be written either as JSON
// numbers or as strings.
type configFile struct {
	path string
	data map[string]any
}

func openConfigFile(path string) *configFile {
	f := &configFile{path: path, data: make(map[string]any)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("config: could not read file, using defaults", "path", path, "error", err)
		}
		return f
	}
	if err := json.Unmarshal(raw, &f.data); err != nil {
		slog.Warn("config: could not parse file, using defaults", "path", path, "error", err)
		f.data = make(map[string]any)
	}
	return f
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "joyjoin", "config.json")
}

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "joyjoin")
}

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, fallback)
	}
	return "."
}

// value returns the typed value stored for s.
func (f *configFile) value(s keySpec) (any, bool, error) {
	v, ok := f.data[s.key]
	if !ok {
		return nil, false, nil
	}
	switch s.typ {
	case kInt:
		switch n := v.(type) {
		case float64:
			if n < math.MinInt || n > math.MaxInt || n != math.Trunc(n) {
				return nil, true, fmt.Errorf("%s: %v is not an integer", s.key, n)
			}
			return int(n), true, nil
		case string:
			i, err := strconv.Atoi(n)
			if err != nil {
				return nil, true, fmt.Errorf("%s: %w", s.key, err)
			}
			return i, true, nil
		}
	case kFloat:
		switch n := v.(type) {
		case float64:
			return n, true, nil
		case string:
			x, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return nil, true, fmt.Errorf("%s: %w", s.key, err)
			}
			return x, true, nil
		}
	default:
		if str, ok := v.(string); ok {
			return str, true, nil
		}
		return fmt.Sprintf("%v", v), true, nil
	}
	return nil, true, fmt.Errorf("%s: unexpected %T", s.key, v)
}

// set parses raw according to s and writes the file.
func (f *configFile) set(s keySpec, raw string) error {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		f.data[s.key] = i
	case kFloat:
		x, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid number value for %s: %w", s.key, err)
		}
		f.data[s.key] = x
	default:
		f.data[s.key] = raw
	}
	return f.save()
}

func (f *configFile) save() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0o600)
}
