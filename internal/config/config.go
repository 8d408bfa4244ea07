package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Config is the daemon-level configuration. Durations are strings in Go
// duration syntax ("5s", "1m30s") and parsed with ParseDurationOrDefault.
type Config struct {
	Log       LogConfig       `json:"log"`
	Store     StoreConfig     `json:"store"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Triggers  TriggerConfig   `json:"triggers"`
	Debug     DebugConfig     `json:"debug"`
}

type LogConfig struct {
	Level   string `json:"level"`
	Console *bool  `json:"console"` // nil defaults to true
	File    string `json:"file"`    // empty disables the file sink
}

func (c LogConfig) ConsoleEnabled() bool {
	return c.Console == nil || *c.Console
}

type StoreConfig struct {
	Driver      string `json:"driver"` // memory | sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type SchedulerConfig struct {
	PollInterval   string `json:"poll_interval"`
	DefaultTimeout string `json:"default_timeout"`
}

type TriggerConfig struct {
	PollInterval string `json:"poll_interval"`
}

type DebugConfig struct {
	Pprof PprofConfig `json:"pprof"`
}

type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Address              string `json:"address"` // default 127.0.0.1:6060
	BlockProfileRate     int    `json:"block_profile_rate"`
	MutexProfileFraction int    `json:"mutex_profile_fraction"`
}

// Load reads a JSON or YAML config file. Unknown keys are rejected so typos
// surface at startup instead of silently defaulting.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	jsonBytes, format, err := coerceToJSONBytes(path, data)
	if err != nil {
		return cfg, fmt.Errorf("parse %s config %s: %w", format, path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// coerceToJSONBytes converts YAML config to JSON bytes so we can re-use the
// strict JSON decoder (DisallowUnknownFields) for both formats.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}

	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// ParseDurationField parses one of the duration-string fields above
// (store.busy_timeout, scheduler.default_timeout). Blank means unset and
// parses to zero; negative durations are rejected. path names the field in
// the error.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField for fields with a daemon
// default (the poll intervals): unset or zero falls back to def.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
