package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Load reads and strictly decodes the config file (JSON or YAML) and
// validates it.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(path, b)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes config bytes without validating. YAML input is rewritten to
// JSON first, so one strict decoder covers both formats and unknown keys in
// either surface as errors.
func Parse(path string, data []byte) (*Config, error) {
	if isYAMLPath(path) {
		var err error
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, err
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return json.Marshal(jsonSafe(doc))
}

// jsonSafe rewrites yaml's loosely typed maps so json.Marshal accepts them.
func jsonSafe(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = jsonSafe(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = jsonSafe(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = jsonSafe(e)
		}
		return t
	}
	return v
}

// Validate checks field constraints that the decoder cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Plans.Dir) == "" {
		return fmt.Errorf("plans.dir is required")
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path is required when file logging is enabled")
	}
	if c.Storage != nil {
		driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
		switch driver {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if (driver == "file" || driver == "sqlite" || driver == "sqlite3") && strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for driver %q", driver)
		}
	}

	// Durations are parsed where they are consumed; fail early here.
	durations := []struct{ path, raw string }{
		{"manager.poll_interval", c.Manager.PollInterval},
		{"manager.shutdown_timeout", c.Manager.ShutdownTimeout},
		{"pool.idle_timeout", c.Pool.IdleTimeout},
		{"pool.fetch_timeout", c.Pool.FetchTimeout},
		{"executor.trip_window", c.Executor.TripWindow},
		{"executor.shutdown_timeout", c.Executor.ShutdownTimeout},
	}
	if c.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", c.Storage.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}
