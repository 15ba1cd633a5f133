package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
logging:
  level: debug
  console: true
plans:
  dir: ./plans
  watch: true
manager:
  dispatch_buffer: 2
  poll_interval: 10ms
pool:
  max_workers: 8
  idle_timeout: 45s
  fetch_timeout: 30s
executor:
  retry_max: 5
  trip_window: 2m
storage:
  driver: sqlite
  path: ./dsync.db
  busy_timeout: 1s
metrics:
  enabled: true
  addr: "127.0.0.1:9310"
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, "config.yaml", validYAML))
	if err != nil {
		t.Fatalf("Load = %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Plans.Dir != "./plans" || !cfg.Plans.Watch {
		t.Fatalf("plans = %+v", cfg.Plans)
	}
	if cfg.Pool.MaxWorkers != 8 {
		t.Fatalf("pool.max_workers = %d", cfg.Pool.MaxWorkers)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if d, err := ParseDurationField("pool.fetch_timeout", cfg.Pool.FetchTimeout); err != nil || d != 30*time.Second {
		t.Fatalf("fetch_timeout = %v, %v", d, err)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	t.Parallel()
	body := strings.Replace(validYAML, "plans:", "plnas_typo: {}\nplans:", 1)
	if _, err := Load(writeConfig(t, "config.yaml", body)); err == nil {
		t.Fatal("Load accepted unknown field")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
	}{
		{"missing plans dir", `{"logging":{"console":true},"plans":{"dir":""}}`},
		{"bad duration", `{"plans":{"dir":"./p"},"manager":{"poll_interval":"soon"}}`},
		{"negative duration", `{"plans":{"dir":"./p"},"pool":{"fetch_timeout":"-5s"}}`},
		{"unknown storage driver", `{"plans":{"dir":"./p"},"storage":{"driver":"postgres","path":"x"}}`},
		{"sqlite without path", `{"plans":{"dir":"./p"},"storage":{"driver":"sqlite","path":""}}`},
		{"file log without path", `{"plans":{"dir":"./p"},"logging":{"console":true,"file":{"enabled":true}}}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Load(writeConfig(t, "config.json", tc.body)); err == nil {
				t.Fatalf("Load accepted invalid config: %s", tc.body)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", 5*time.Second); err != nil || d != 5*time.Second {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "250ms", 5*time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("explicit = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "nope", 5*time.Second); err == nil {
		t.Fatal("accepted invalid duration")
	}
}
