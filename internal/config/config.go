// Package config loads the orchestrator's tunables from the environment and,
// optionally, a YAML file that is watched for live reload of the subset of
// knobs that are safe to change without a restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// PoolConfig holds the CryptoClient connection-pool tunables (spec §4.1/§6).
type PoolConfig struct {
	MaxTotal          int           `yaml:"max_total"`
	MaxPerHost        int           `yaml:"max_per_host"`
	AcquireTimeout    time.Duration `yaml:"acquire_timeout"`
	ResponseTimeout   time.Duration `yaml:"response_timeout"`
	ConnectionTTL     time.Duration `yaml:"connection_ttl"`
	IdleValidateAfter time.Duration `yaml:"idle_validate_after"`
	EvictInterval     time.Duration `yaml:"evict_interval"`
	HighWaterPct      float64       `yaml:"high_water_pct"`
}

// SchedulerConfig holds the round-robin dispatcher tunables (spec §4.4).
type SchedulerConfig struct {
	TickInterval   time.Duration `yaml:"tick_interval"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoffs  []time.Duration
}

// SinkConfig selects and configures the audit event sink (spec §4.9).
type SinkConfig struct {
	Type          string            `yaml:"type"` // "http", "file", or "stdout"
	Endpoint      string            `yaml:"endpoint"`
	Headers       map[string]string `yaml:"headers"`
	FilePath      string            `yaml:"file_path"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
	RetryCount    int               `yaml:"retry_count"`
	RetryBackoff  time.Duration     `yaml:"retry_backoff"`
}

// AuditConfig holds the audit logger's tunables (spec §4.9).
type AuditConfig struct {
	MaxEvents           int         `yaml:"max_events"`
	RedactMetadataKeys  []string    `yaml:"redact_metadata_keys"`
	Sink                SinkConfig  `yaml:"sink"`
}

// UnsealConfig holds the credential unsealer's KMIP connection tunables
// (spec §4.8).
type UnsealConfig struct {
	KMIPEndpoint string        `yaml:"kmip_endpoint"`
	KMIPCACert   string        `yaml:"kmip_ca_cert"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Config is the full set of tunables consumed across the orchestrator.
type Config struct {
	ChunkSize         int             `yaml:"chunk_size"`
	WorkerConcurrency int             `yaml:"worker_concurrency"`
	RederiveChunks    bool            `yaml:"rederive_chunks"`
	CryptoServiceURL  string          `yaml:"crypto_service_url"`
	DatabaseDSN       string          `yaml:"database_dsn"`
	RedisAddr         string          `yaml:"redis_addr"`
	Pool              PoolConfig      `yaml:"pool"`
	Scheduler         SchedulerConfig `yaml:"scheduler"`
	Audit             AuditConfig     `yaml:"audit"`
	Unseal            UnsealConfig    `yaml:"unseal"`
}

// Default returns the configuration described in spec.md §6's illustrative knobs.
func Default() *Config {
	return &Config{
		ChunkSize:         5000,
		WorkerConcurrency: 6,
		RederiveChunks:    false,
		CryptoServiceURL:  "http://localhost:9100",
		DatabaseDSN:       "",
		RedisAddr:         "localhost:6379",
		Pool: PoolConfig{
			MaxTotal:          200,
			MaxPerHost:        100,
			AcquireTimeout:    30 * time.Second,
			ResponseTimeout:   10 * time.Minute,
			ConnectionTTL:     120 * time.Second,
			IdleValidateAfter: 10 * time.Second,
			EvictInterval:     10 * time.Second,
			HighWaterPct:      0.8,
		},
		Scheduler: SchedulerConfig{
			TickInterval: 100 * time.Millisecond,
			MaxRetries:   3,
			RetryBackoffs: []time.Duration{
				5 * time.Second,
				10 * time.Second,
				20 * time.Second,
			},
		},
		Audit: AuditConfig{
			MaxEvents: 10000,
			Sink:      SinkConfig{Type: "stdout"},
		},
		Unseal: UnsealConfig{
			KMIPEndpoint: "localhost:5696",
			Timeout:      5 * time.Second,
		},
	}
}

// FromEnv overlays environment variables (ORCH_* prefix, mirroring the
// teacher's BACKEND_* convention) onto a base configuration.
func FromEnv(base *Config) *Config {
	cfg := *base
	if v := os.Getenv("ORCH_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkSize = n
		}
	}
	if v := os.Getenv("ORCH_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerConcurrency = n
		}
	}
	if v := os.Getenv("ORCH_REDERIVE_CHUNKS"); v != "" {
		cfg.RederiveChunks = v == "1" || v == "true"
	}
	if v := os.Getenv("ORCH_CRYPTO_SERVICE_URL"); v != "" {
		cfg.CryptoServiceURL = v
	}
	if v := os.Getenv("ORCH_DATABASE_DSN"); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := os.Getenv("ORCH_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("ORCH_POOL_MAX_TOTAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.MaxTotal = n
		}
	}
	if v := os.Getenv("ORCH_POOL_MAX_PER_HOST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.MaxPerHost = n
		}
	}
	if v := os.Getenv("ORCH_SCHEDULER_TICK_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.TickInterval = time.Duration(n) * time.Millisecond
		}
	}
	return &cfg
}

// Load reads a YAML config file, if path is non-empty, and overlays the
// environment on top of it; an empty or missing path just returns the
// environment-overlaid default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return FromEnv(cfg), nil
}

// Watcher reloads the live-tunable subset of a config file (chunk size, tick
// interval, worker concurrency, pool caps) whenever it changes on disk. Structural
// settings (database DSN, redis address, queue names) are never touched by
// reload; callers that need them must restart.
type Watcher struct {
	mu      sync.RWMutex
	current *Config
	path    string
	watcher *fsnotify.Watcher
	onLoad  func(*Config)
}

// NewWatcher starts watching path and reloading the live-tunable fields
// into current whenever it changes. onLoad, if non-nil, is invoked after
// each successful reload.
func NewWatcher(path string, initial *Config, onLoad func(*Config)) (*Watcher, error) {
	w := &Watcher{current: initial, path: path, onLoad: onLoad}
	if path == "" {
		return w, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.watcher = fw

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) reload() {
	reloaded, err := Load(w.path)
	if err != nil {
		return
	}
	w.mu.Lock()
	prev := w.current
	prev.ChunkSize = reloaded.ChunkSize
	prev.WorkerConcurrency = reloaded.WorkerConcurrency
	prev.Scheduler.TickInterval = reloaded.Scheduler.TickInterval
	prev.Pool.MaxTotal = reloaded.Pool.MaxTotal
	prev.Pool.MaxPerHost = reloaded.Pool.MaxPerHost
	snapshot := *prev
	w.mu.Unlock()

	if w.onLoad != nil {
		w.onLoad(&snapshot)
	}
}

// Current returns a snapshot of the live configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cfg := *w.current
	return &cfg
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
