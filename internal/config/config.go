// Package config loads the controller's and engine's runtime configuration
// from layered sources: built-in defaults, an optional YAML file, environment
// variables (SWARMCTL_*), and command-line flags, in that order of
// precedence.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Controller holds the controller's runtime configuration.
type Controller struct {
	Addr    string `koanf:"addr"`     // Listen address (e.g. ":4327")
	DataDir string `koanf:"data_dir"` // Data directory for the document store and socket

	HeartbeatPeriodMS   int    `koanf:"heartbeat_period_ms"`    // Beacon broadcast interval
	HeartbeatMaxMissed  int    `koanf:"heartbeat_max_missed"`   // Consecutive missed beacons before an engine is declared dead
	DependencyTimeoutS  int    `koanf:"dependency_timeout_s"`   // Passed to hub.New; no task's timeout is derived from it, only a submission's own timeout applies
	SchedulerPolicy     string `koanf:"scheduler_policy"`       // leastload, weighted, lru, twobin, plainrandom, pure
	DocumentStoreDriver string `koanf:"document_store_driver"`  // "memory" selects the in-memory backend; any other value opens the SQLite document store
}

// Engine holds the engine's runtime configuration.
type Engine struct {
	ControllerURL string `koanf:"controller_url"` // e.g. "http://localhost:4327"
	DataDir       string `koanf:"data_dir"`
	Targets       string `koanf:"targets"` // comma-separated target labels, split by TargetList; not sent to the controller
}

// LoadController builds a Controller configuration by layering, in
// increasing precedence: built-in defaults, an optional YAML file at
// configPath, SWARMCTL_CONTROLLER_* environment variables, and the flags
// already parsed into fs.
func LoadController(configPath string, fs *flag.FlagSet) (*Controller, error) {
	k := koanf.New(".")

	defaults := map[string]any{
		"addr":                  ":4327",
		"data_dir":              defaultDataDir("controller"),
		"heartbeat_period_ms":   100,
		"heartbeat_max_missed":  1,
		"dependency_timeout_s":  0,
		"scheduler_policy":      "leastload",
		"document_store_driver": "sqlite",
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("SWARMCTL_CONTROLLER_", ".", envKeyMap("SWARMCTL_CONTROLLER_")), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	if err := loadFlags(k, fs, map[string]string{
		"addr":     "addr",
		"data-dir": "data_dir",
	}); err != nil {
		return nil, err
	}

	var c Controller
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &c, nil
}

// LoadEngine builds an Engine configuration the same way LoadController
// does, scoped to SWARMCTL_ENGINE_* environment variables.
func LoadEngine(configPath string, fs *flag.FlagSet) (*Engine, error) {
	k := koanf.New(".")

	defaults := map[string]any{
		"controller_url": "http://localhost:4327",
		"data_dir":       defaultDataDir("engine"),
		"targets":        "",
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("SWARMCTL_ENGINE_", ".", envKeyMap("SWARMCTL_ENGINE_")), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	if err := loadFlags(k, fs, map[string]string{
		"controller": "controller_url",
		"data-dir":   "data_dir",
		"targets":    "targets",
	}); err != nil {
		return nil, err
	}

	var e Engine
	if err := k.Unmarshal("", &e); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &e, nil
}

// envKeyMap turns SWARMCTL_CONTROLLER_HEARTBEAT_PERIOD_MS into
// heartbeat_period_ms.
func envKeyMap(prefix string) func(string) string {
	return func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, prefix))
	}
}

// loadFlags overlays flags that were explicitly set on fs, mapped from flag
// name to koanf key.
func loadFlags(k *koanf.Koanf, fs *flag.FlagSet, names map[string]string) error {
	if fs == nil {
		return nil
	}
	overrides := map[string]any{}
	fs.Visit(func(f *flag.Flag) {
		if key, ok := names[f.Name]; ok {
			overrides[key] = f.Value.String()
		}
	})
	if len(overrides) == 0 {
		return nil
	}
	return k.Load(confmap.Provider(overrides, "."), nil)
}

func defaultDataDir(role string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "swarmctl", role)
	}
	return filepath.Join(home, ".config", "swarmctl", role)
}

// Validate checks the controller configuration and ensures its data
// directory exists.
func (c *Controller) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.HeartbeatPeriodMS <= 0 {
		return fmt.Errorf("heartbeat_period_ms must be positive")
	}
	if c.HeartbeatMaxMissed <= 0 {
		return fmt.Errorf("heartbeat_max_missed must be positive")
	}
	switch c.SchedulerPolicy {
	case "leastload", "weighted", "lru", "twobin", "plainrandom", "pure":
	default:
		return fmt.Errorf("unknown scheduler_policy %q", c.SchedulerPolicy)
	}
	return os.MkdirAll(c.DataDir, 0o750)
}

// Validate checks the engine configuration and ensures its data directory
// exists.
func (e *Engine) Validate() error {
	if e.ControllerURL == "" {
		return fmt.Errorf("controller URL is required")
	}
	return os.MkdirAll(e.DataDir, 0o750)
}

// DocumentStorePath returns the path to the SQLite-backed document store.
func (c *Controller) DocumentStorePath() string {
	return filepath.Join(c.DataDir, "controller.db")
}

// SocketPath returns the path to the Unix domain socket.
func (c *Controller) SocketPath() string {
	return filepath.Join(c.DataDir, "controller.sock")
}

// StatePath returns the path to the engine's persisted registration state.
func (e *Engine) StatePath() string {
	return filepath.Join(e.DataDir, "state.json")
}

// TargetList splits the comma-separated Targets field.
func (e *Engine) TargetList() []string {
	if e.Targets == "" {
		return nil
	}
	parts := strings.Split(e.Targets, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
