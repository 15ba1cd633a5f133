package config

// Config is the daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Plans   PlansConfig   `json:"plans"`

	Manager  ManagerConfig  `json:"manager,omitempty"`
	Pool     PoolConfig     `json:"pool,omitempty"`
	Executor ExecutorConfig `json:"executor,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Metrics *MetricsConfig `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"` // trace|debug|info|warn|error
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// PlansConfig controls where sync plans are loaded from.
type PlansConfig struct {
	Dir string `json:"dir"`

	// Watch reloads new or changed plan files at runtime.
	Watch bool `json:"watch,omitempty"`
}

// ManagerConfig controls dispatch behavior.
//
// Defaults (when fields are omitted/zero):
//   - dispatch_buffer: 1
//   - poll_interval: "25ms"
//   - shutdown_timeout: "30s"
type ManagerConfig struct {
	DispatchBuffer  int    `json:"dispatch_buffer,omitempty"`
	PollInterval    string `json:"poll_interval,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// PoolConfig controls the worker pool.
//
// Defaults:
//   - min_workers: 1
//   - max_workers: 4
//   - idle_timeout: "30s"
//   - queue_size: max_workers
//   - fetch_timeout: "0s" (disabled)
type PoolConfig struct {
	MinWorkers   int    `json:"min_workers,omitempty"`
	MaxWorkers   int    `json:"max_workers,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	QueueSize    int    `json:"queue_size,omitempty"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`
	ReportBuffer int    `json:"report_buffer,omitempty"`
}

// ExecutorConfig controls retries and the failure breaker.
//
// Defaults:
//   - retry_max: 3 (fallback only; plans carry their own budget)
//   - trip_failures: 10
//   - trip_window: "1m"
//   - shutdown_timeout: "30s"
type ExecutorConfig struct {
	RetryMax        int    `json:"retry_max,omitempty"`
	TripFailures    int    `json:"trip_failures,omitempty"`
	TripWindow      string `json:"trip_window,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./dsync.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9310"
}
