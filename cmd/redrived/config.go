package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/redrive/drive"
)

// Config is the top-level redrived configuration.
type Config struct {
	Listen        string       `yaml:"listen"`
	Database      string       `yaml:"database"`
	CheckpointDir string       `yaml:"checkpoint_dir"`
	EvidenceDir   string       `yaml:"evidence_dir"`
	Portal        PortalConfig `yaml:"portal"`
	Oracle        OracleConfig `yaml:"oracle"`
	Runner        RunnerConfig `yaml:"runner"`
	Sweep         SweepConfig  `yaml:"sweep"`
	Executor      ExecConfig   `yaml:"executor"`
	Operations    []OpConfig   `yaml:"operations"`
}

// PortalConfig controls the Chrome lifecycle and the target portal.
type PortalConfig struct {
	URL              string   `yaml:"url"`
	Remote           string   `yaml:"remote"`
	Headless         *bool    `yaml:"headless"`
	ResourceBlocking []string `yaml:"resource_blocking"`
}

// OracleConfig selects the escalation oracle. An empty endpoint falls back
// to the static heuristic.
type OracleConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
	Keywords []string      `yaml:"keywords"`
}

// RunnerConfig controls job claiming and checkpoint cadence.
type RunnerConfig struct {
	WorkerID           string        `yaml:"worker_id"`
	ClaimTimeout       time.Duration `yaml:"claim_timeout"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// SweepConfig controls the retention sweeper.
type SweepConfig struct {
	Interval       time.Duration `yaml:"interval"`
	StateRetention time.Duration `yaml:"state_retention"`
}

// ExecConfig controls the route executor.
type ExecConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	Backoff         time.Duration `yaml:"backoff"`
	OracleThreshold float64       `yaml:"oracle_threshold"`
}

// OpConfig binds one operation type to its prioritized routes.
type OpConfig struct {
	Type   string        `yaml:"type"`
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig is one route in YAML form.
type RouteConfig struct {
	Name      string   `yaml:"name"`
	Priority  int      `yaml:"priority"`
	Selectors []string `yaml:"selectors"`
	Action    string   `yaml:"action"`
	Value     string   `yaml:"value"`
	Dynamic   bool     `yaml:"dynamic"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8472"
	}
	if c.Database == "" {
		c.Database = "redrive.db"
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = "checkpoints"
	}
	if c.Runner.ClaimTimeout <= 0 {
		c.Runner.ClaimTimeout = 10 * time.Minute
	}
	if c.Runner.CheckpointInterval <= 0 {
		c.Runner.CheckpointInterval = 30 * time.Second
	}
	if c.Sweep.Interval <= 0 {
		c.Sweep.Interval = time.Minute
	}
	if c.Sweep.StateRetention <= 0 {
		c.Sweep.StateRetention = 7 * 24 * time.Hour
	}
}

func (c *Config) validate() error {
	for _, op := range c.Operations {
		if op.Type == "" {
			return fmt.Errorf("operation with empty type")
		}
		if len(op.Routes) == 0 {
			return fmt.Errorf("operation %q has no routes", op.Type)
		}
		for _, r := range op.Routes {
			if !drive.ActionType(r.Action).Valid() {
				return fmt.Errorf("operation %q route %q: unknown action %q", op.Type, r.Name, r.Action)
			}
			if len(r.Selectors) == 0 {
				return fmt.Errorf("operation %q route %q: no selectors", op.Type, r.Name)
			}
		}
	}
	return nil
}

// routeBook converts the operations section to executor routes.
func (c *Config) routeBook() map[string][]drive.Route {
	book := make(map[string][]drive.Route, len(c.Operations))
	for _, op := range c.Operations {
		routes := make([]drive.Route, 0, len(op.Routes))
		for _, r := range op.Routes {
			routes = append(routes, drive.Route{
				Name:      r.Name,
				Priority:  r.Priority,
				Selectors: r.Selectors,
				Action:    drive.ActionType(r.Action),
				Value:     r.Value,
				Dynamic:   r.Dynamic,
			})
		}
		book[op.Type] = routes
	}
	return book
}
