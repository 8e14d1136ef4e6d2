// Package config loads the YAML configuration recognized by an engine
// instance and hot-reloads it via fsnotify, the same debounced-watch
// shape used for the config file (see hotreload.go).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/duroq/internal/engine"
	"github.com/nextlevelbuilder/duroq/internal/obshooks/otelhooks"
	cronplugin "github.com/nextlevelbuilder/duroq/internal/plugin/cron"
	"github.com/nextlevelbuilder/duroq/internal/store"
)

// QueueConfig is one entry of the "queues" config option.
type QueueConfig struct {
	Limit int `yaml:"limit"`
}

// CronEntryConfig is one entry of "plugins.cron.entries".
type CronEntryConfig struct {
	Name        string         `yaml:"name"`
	Expr        string         `yaml:"expr"`
	Queue       string         `yaml:"queue"`
	Worker      string         `yaml:"worker"`
	Args        map[string]any `yaml:"args"`
	MaxAttempts int            `yaml:"max_attempts"`
}

// SchedulerConfig is "plugins.scheduler".
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// LifelineConfig is "plugins.lifeline".
type LifelineConfig struct {
	RescueInterval     time.Duration `yaml:"rescue_interval"`
	RescueThreshold    time.Duration `yaml:"rescue_threshold"`
	PruneInterval      time.Duration `yaml:"prune_interval"`
	CompletedOlderThan time.Duration `yaml:"completed_older_than"`
	CancelledOlderThan time.Duration `yaml:"cancelled_older_than"`
	DiscardedOlderThan time.Duration `yaml:"discarded_older_than"`
	MaxDeletesPerSweep int           `yaml:"max_deletes_per_sweep"`
}

// CronConfig is "plugins.cron".
type CronConfig struct {
	Entries []CronEntryConfig `yaml:"entries"`
}

// PluginsConfig is the "plugins" config option.
type PluginsConfig struct {
	Scheduler *SchedulerConfig `yaml:"scheduler"`
	Cron      *CronConfig      `yaml:"cron"`
	Lifeline  *LifelineConfig  `yaml:"lifeline"`
}

// RedisConfig is "peer"'s Redis-backed variant's connection options.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TracingConfig enables otelhooks when non-nil.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// Config is the top-level document recognized by duroqd.
type Config struct {
	Instance string `yaml:"instance"`
	Node     string `yaml:"node"`

	Engine string `yaml:"engine"` // "postgres" | "memory" | "inline"
	DSN    string `yaml:"dsn"`
	Prefix string `yaml:"prefix"`

	Peer  string      `yaml:"peer"` // "postgres" | "redis"
	Redis RedisConfig `yaml:"redis"`

	Queues  map[string]QueueConfig `yaml:"queues"`
	Plugins PluginsConfig          `yaml:"plugins"`

	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`
	DispatchCooldown    time.Duration `yaml:"dispatch_cooldown"`

	// Testing overrides Engine for local runs and test suites: "disabled"
	// leaves Engine as configured, "manual" forces the in-process Memory
	// backend, "inline" forces synchronous Inline execution.
	Testing string `yaml:"testing"`

	Metrics bool           `yaml:"metrics"`
	Tracing *TracingConfig `yaml:"tracing"`

	MaxSnoozes int `yaml:"max_snoozes"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ToEngineConfig translates the parsed document into the shape
// internal/engine.New expects, resolving the "testing" override.
func (c *Config) ToEngineConfig() (engine.Config, error) {
	backend := engine.Backend(c.Engine)
	switch c.Testing {
	case "manual":
		backend = engine.BackendMemory
	case "inline":
		backend = engine.BackendInline
	}

	queues := make(map[string]engine.QueueOptions, len(c.Queues))
	for name, q := range c.Queues {
		queues[name] = engine.QueueOptions{Limit: q.Limit}
	}

	plugins := engine.PluginOptions{}
	if c.Plugins.Scheduler != nil {
		plugins.Scheduler = &engine.SchedulerOptions{Interval: c.Plugins.Scheduler.Interval}
	}
	if c.Plugins.Cron != nil {
		entries, err := cronEntries(c.Plugins.Cron.Entries)
		if err != nil {
			return engine.Config{}, err
		}
		plugins.Cron = &engine.CronOptions{Entries: entries}
	}
	if c.Plugins.Lifeline != nil {
		l := c.Plugins.Lifeline
		plugins.Lifeline = &engine.LifelineOptions{
			RescueInterval:  l.RescueInterval,
			RescueThreshold: l.RescueThreshold,
			PruneInterval:   l.PruneInterval,
			Prune: store.PruneConditions{
				CompletedOlderThan: l.CompletedOlderThan,
				CancelledOlderThan: l.CancelledOlderThan,
				DiscardedOlderThan: l.DiscardedOlderThan,
				MaxDeletesPerSweep: l.MaxDeletesPerSweep,
			},
		}
	}

	var tracing *otelhooks.Config
	if c.Tracing != nil {
		tracing = &otelhooks.Config{Endpoint: c.Tracing.Endpoint, Insecure: c.Tracing.Insecure, ServiceName: c.Tracing.ServiceName}
	}

	ecfg := engine.Config{
		Instance:            c.Instance,
		Node:                c.Node,
		Backend:             backend,
		DSN:                 c.DSN,
		Prefix:              c.Prefix,
		Peer:                engine.PeerBackend(c.Peer),
		Redis:               engine.RedisOptions{Addr: c.Redis.Addr, Password: c.Redis.Password, DB: c.Redis.DB},
		Queues:              queues,
		Plugins:             plugins,
		ShutdownGracePeriod: c.ShutdownGracePeriod,
		DispatchCooldown:    c.DispatchCooldown,
		Metrics:             c.Metrics,
		Tracing:             tracing,
		MaxSnoozes:          c.MaxSnoozes,
	}
	return ecfg, nil
}

func cronEntries(in []CronEntryConfig) ([]cronplugin.Entry, error) {
	out := make([]cronplugin.Entry, 0, len(in))
	for _, e := range in {
		var raw json.RawMessage
		if e.Args != nil {
			b, err := json.Marshal(e.Args)
			if err != nil {
				return nil, fmt.Errorf("config: cron entry %q: encode args: %w", e.Name, err)
			}
			raw = b
		}
		out = append(out, cronplugin.Entry{
			Name:        e.Name,
			Expr:        e.Expr,
			Queue:       e.Queue,
			Worker:      e.Worker,
			Args:        raw,
			MaxAttempts: e.MaxAttempts,
		})
	}
	return out, nil
}
