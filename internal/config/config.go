// Package config loads the harness's runtime configuration through a
// layered viper setup - built-in defaults, an optional YAML file, then
// PRACTISE_-prefixed environment variables - matching the layering pattern
// the rest of the example stack uses for its own node configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SchedMode selects which scheduling class's key semantics the run uses.
type SchedMode string

const (
	SchedDeadline SchedMode = "deadline"
	SchedRT       SchedMode = "rt"
)

// IndexVariant selects which global index implementation backs a run.
type IndexVariant string

const (
	IndexHeap         IndexVariant = "heap"
	IndexArrayHeap    IndexVariant = "array-heap"
	IndexSkipList     IndexVariant = "skiplist"
	IndexFCSkipList   IndexVariant = "fc-skiplist"
	IndexBMFCSkipList IndexVariant = "bmfc-skiplist"
)

// Config is the harness's full runtime configuration.
type Config struct {
	SchedMode SchedMode    `mapstructure:"sched_mode"`
	Variant   IndexVariant `mapstructure:"variant"`

	NRCPUs   int           `mapstructure:"nr_cpus"`
	NCycles  int           `mapstructure:"n_cycles"`
	CycleLen time.Duration `mapstructure:"cycle_len"`

	DMin time.Duration `mapstructure:"d_min"`
	DMax time.Duration `mapstructure:"d_max"`

	RuntimeMin time.Duration `mapstructure:"runtime_min"`
	RuntimeMax time.Duration `mapstructure:"runtime_max"`

	Measure      bool `mapstructure:"measure"`
	ExitOnErrors bool `mapstructure:"exit_on_errors"`
	Debug        bool `mapstructure:"debug"`
	Verbose      bool `mapstructure:"verbose"`

	PushMaxTries     int           `mapstructure:"push_max_tries"`
	MigrationRetries int           `mapstructure:"migration_retries"`
	CheckerInterval  time.Duration `mapstructure:"checker_interval"`

	LockProcessMemory bool `mapstructure:"lock_process_memory"`
	PinCPUs           bool `mapstructure:"pin_cpus"`

	MetricsListen string `mapstructure:"metrics_listen"`
	OutputDir     string `mapstructure:"output_dir"`
}

func defaults() map[string]any {
	return map[string]any{
		"sched_mode":          string(SchedDeadline),
		"variant":             string(IndexHeap),
		"nr_cpus":             4,
		"n_cycles":            1000,
		"cycle_len":           "10ms",
		"d_min":               "5ms",
		"d_max":               "50ms",
		"runtime_min":         "1ms",
		"runtime_max":         "5ms",
		"measure":             true,
		"exit_on_errors":      true,
		"debug":               false,
		"verbose":             false,
		"push_max_tries":      3,
		"migration_retries":   3,
		"checker_interval":    "50ms",
		"lock_process_memory": false,
		"pin_cpus":            false,
		"metrics_listen":      "",
		"output_dir":          ".",
	}
}

// Load reads configuration from (in increasing priority) built-in
// defaults, the YAML file at path (if non-empty and present), and
// PRACTISE_-prefixed environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults() {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix("PRACTISE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			_, notFound := err.(viper.ConfigFileNotFoundError)
			if !notFound && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects impossible configurations: non-positive CPU and cycle counts, empty or inverted
// deadline/runtime ranges, and an unknown scheduling mode or index variant.
func (c *Config) Validate() error {
	switch c.SchedMode {
	case SchedDeadline, SchedRT:
	default:
		return fmt.Errorf("config: unknown sched_mode %q", c.SchedMode)
	}
	switch c.Variant {
	case IndexHeap, IndexArrayHeap, IndexSkipList, IndexFCSkipList, IndexBMFCSkipList:
	default:
		return fmt.Errorf("config: unknown variant %q", c.Variant)
	}
	if c.NRCPUs <= 0 {
		return fmt.Errorf("config: nr_cpus must be positive, got %d", c.NRCPUs)
	}
	if c.NCycles <= 0 {
		return fmt.Errorf("config: n_cycles must be positive, got %d", c.NCycles)
	}
	if c.CycleLen <= 0 {
		return fmt.Errorf("config: cycle_len must be positive")
	}
	if c.DMin <= 0 || c.DMax < c.DMin {
		return fmt.Errorf("config: need 0 < d_min <= d_max, got [%s, %s]", c.DMin, c.DMax)
	}
	if c.RuntimeMin <= 0 || c.RuntimeMax < c.RuntimeMin {
		return fmt.Errorf("config: need 0 < runtime_min <= runtime_max, got [%s, %s]", c.RuntimeMin, c.RuntimeMax)
	}
	if c.PushMaxTries <= 0 {
		return fmt.Errorf("config: push_max_tries must be positive, got %d", c.PushMaxTries)
	}
	if c.MigrationRetries <= 0 {
		return fmt.Errorf("config: migration_retries must be positive, got %d", c.MigrationRetries)
	}
	if c.CheckerInterval <= 0 {
		return fmt.Errorf("config: checker_interval must be positive")
	}
	if c.Variant == IndexBMFCSkipList && c.SchedMode != SchedRT {
		return fmt.Errorf("config: variant %q needs the small priority-slot key domain of sched_mode %q", c.Variant, SchedRT)
	}
	return nil
}
