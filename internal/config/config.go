// Package config loads the YAML configuration for a pool process or
// the standalone multi-tenant broker (spec §6), with ${VAR}
// environment-variable substitution and fsnotify-backed hot reload —
// the same Load/substituteEnvVars/Watcher shape the teacher's own
// config.go uses for tenant database credentials, reshaped here for
// pool floor/ceiling/timeouts, the worker socket directory, and the
// broker's shared secret.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Mode selects which of the three pool shapes a process runs.
type Mode string

const (
	ModeFixed    Mode = "fixed"
	ModeAdaptive Mode = "adaptive"
	ModeRemote   Mode = "remote"
)

// Config is the top-level configuration for a pool-hosting process
// (the database server embedding a fixed/adaptive/remote pool) or the
// standalone broker.
type Config struct {
	Pool   PoolConfig   `yaml:"pool"`
	Broker BrokerConfig `yaml:"broker"`
}

// PoolConfig governs the in-process pool shapes (spec §4.5-§4.7).
type PoolConfig struct {
	Mode Mode `yaml:"mode"`

	// RunStateDir holds the Unix socket the pool listens on (fixed,
	// adaptive) or the broker accepts workers on internally; must fit
	// within OS socket-path limits (spec §5).
	RunStateDir string `yaml:"run_state_dir"`

	// Floor and Ceiling bound the adaptive pool (spec §4.6); Floor
	// alone is the worker count for the fixed pool (spec §4.5's N).
	Floor   int `yaml:"floor"`
	Ceiling int `yaml:"ceiling"`

	GrowAfter   time.Duration `yaml:"grow_after"`
	ShrinkAfter time.Duration `yaml:"shrink_after"`

	// MaxCalls retires a worker after it has served this many calls
	// (restored from original_source, spec.md distillation omitted
	// it); 0 disables the behavior.
	MaxCalls int `yaml:"max_calls"`

	// TemplateRestartDelay is how long the fixed pool waits before
	// respawning a crashed template (spec §4.5, default 1s).
	TemplateRestartDelay time.Duration `yaml:"template_restart_delay"`

	// StartupTimeout bounds how long the pool waits for its initial
	// worker set at start-up (spec §5, default ~60s).
	StartupTimeout time.Duration `yaml:"startup_timeout"`

	WorkerBin   string `yaml:"worker_bin"`
	TemplateBin string `yaml:"template_bin"`

	// RemoteAddr is the broker address used when Mode is "remote"
	// (spec §4.7).
	RemoteAddr string `yaml:"remote_addr"`

	// ReconnectInterval is the remote pool's fixed retry interval
	// after a connection loss (spec §4.7, default 1s).
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// BrokerConfig governs the standalone multi-tenant broker process
// (spec §4.8, §6).
type BrokerConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr, if non-empty, serves /ready and /metrics (spec §6).
	MetricsAddr string `yaml:"metrics_addr"`

	PoolSize        int `yaml:"pool_size"`
	TenantCacheSize int `yaml:"tenant_cache_size"`

	RunStateDir string `yaml:"run_state_dir"`
	WorkerBin   string `yaml:"worker_bin"`
	TemplateBin string `yaml:"template_bin"`

	// SharedSecretEnv names the environment variable holding the
	// pre-shared HMAC secret (spec §6: "absence is a fatal warning —
	// all client calls will fail HMAC verification").
	SharedSecretEnv string `yaml:"shared_secret_env"`
}

// SharedSecret reads the HMAC secret from the configured environment
// variable. A missing variable is not a load-time error — the broker
// is expected to start and log a loud warning, per spec §6, rather
// than refuse to run.
func (b BrokerConfig) SharedSecret() (secret string, ok bool) {
	if b.SharedSecretEnv == "" {
		return "", false
	}
	return os.LookupEnv(b.SharedSecretEnv)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values, leaving unmatched references untouched.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Pool.Mode == "" {
		cfg.Pool.Mode = ModeFixed
	}
	if cfg.Pool.RunStateDir == "" {
		cfg.Pool.RunStateDir = "/tmp/compilerpool"
	}
	if cfg.Pool.Floor == 0 {
		cfg.Pool.Floor = 2
	}
	if cfg.Pool.Ceiling == 0 {
		cfg.Pool.Ceiling = cfg.Pool.Floor
	}
	if cfg.Pool.GrowAfter == 0 {
		cfg.Pool.GrowAfter = 3 * time.Second
	}
	if cfg.Pool.ShrinkAfter == 0 {
		cfg.Pool.ShrinkAfter = 60 * time.Second
	}
	if cfg.Pool.TemplateRestartDelay == 0 {
		cfg.Pool.TemplateRestartDelay = 1 * time.Second
	}
	if cfg.Pool.StartupTimeout == 0 {
		cfg.Pool.StartupTimeout = 60 * time.Second
	}
	if cfg.Pool.ReconnectInterval == 0 {
		cfg.Pool.ReconnectInterval = 1 * time.Second
	}

	if cfg.Broker.PoolSize == 0 {
		cfg.Broker.PoolSize = cfg.Pool.Floor
	}
	if cfg.Broker.TenantCacheSize == 0 {
		cfg.Broker.TenantCacheSize = 64
	}
	if cfg.Broker.RunStateDir == "" {
		cfg.Broker.RunStateDir = cfg.Pool.RunStateDir
	}
}

func validate(cfg *Config) error {
	switch cfg.Pool.Mode {
	case "", ModeFixed, ModeAdaptive, ModeRemote:
	default:
		return fmt.Errorf("pool: unsupported mode %q (must be fixed, adaptive, or remote)", cfg.Pool.Mode)
	}
	if cfg.Pool.Mode == ModeRemote && cfg.Pool.RemoteAddr == "" {
		return fmt.Errorf("pool: remote_addr is required in remote mode")
	}
	if cfg.Pool.Floor < 0 || cfg.Pool.Ceiling < 0 {
		return fmt.Errorf("pool: floor and ceiling must be non-negative")
	}
	if cfg.Pool.Ceiling != 0 && cfg.Pool.Ceiling < cfg.Pool.Floor {
		return fmt.Errorf("pool: ceiling (%d) must be >= floor (%d)", cfg.Pool.Ceiling, cfg.Pool.Floor)
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback
// with the new config, debounced the same way the teacher's own
// Watcher coalesces rapid successive writes.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
