package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"gopkg.in/yaml.v3"
)

const mib = 1024 * 1024

type Config struct {
	Listen  string `yaml:"listen" envconfig:"LISTEN" validate:"required,hostname_port"`
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR" validate:"required"`
	AuthKey string `yaml:"auth_key" envconfig:"AUTH_KEY" validate:"required"`

	// CPU in cores and RAM in MiB offered to the tasks. Zero means the host's.
	CPU int `yaml:"cpu" envconfig:"CPU" validate:"gte=0"`
	RAM int `yaml:"ram" envconfig:"RAM" validate:"gte=0"`

	Store       string `yaml:"store" envconfig:"STORE" validate:"oneof=memory bolt redis"`
	RedisAddr   string `yaml:"redis_addr" envconfig:"REDIS_ADDR" validate:"required_if=Store redis"`
	RedisPrefix string `yaml:"redis_prefix" envconfig:"REDIS_PREFIX"`

	DefaultMaxExecutionTime time.Duration `yaml:"default_max_execution_time" envconfig:"DEFAULT_MAX_EXECUTION_TIME" validate:"gt=0"`
	FlushAfter              time.Duration `yaml:"flush_after" envconfig:"FLUSH_AFTER" validate:"gte=0"`
	PruneOnDelete           bool          `yaml:"prune_on_delete" envconfig:"PRUNE_ON_DELETE"`

	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" envconfig:"LOG_FORMAT" validate:"oneof=json console"`
	LogFile   string `yaml:"log_file" envconfig:"LOG_FILE"`

	MetricsEndpoint string `yaml:"metrics_endpoint" envconfig:"METRICS_ENDPOINT"`
}

func Default() *Config {
	return &Config{
		Listen:                  "localhost:8042",
		DataDir:                 "/tmp/density",
		Store:                   "bolt",
		RedisPrefix:             "density:",
		DefaultMaxExecutionTime: time.Hour,
		FlushAfter:              7 * 24 * time.Hour,
		LogLevel:                "info",
		LogFormat:               "json",
	}
}

// Load reads the optional YAML file at path, then the environment, on
// top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	if err := cfg.detectHost(); err != nil {
		return nil, err
	}
	dir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.DataDir = dir
	if err := validator.New().Struct(cfg); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) {
			return nil, fmt.Errorf("invalid configuration: %w", invalid)
		}
		return nil, err
	}
	return cfg, nil
}

// detectHost fills CPU and RAM with what the host has.
func (c *Config) detectHost() error {
	if c.CPU == 0 {
		n, err := cpu.Counts(true)
		if err != nil {
			return fmt.Errorf("counting cpus: %w", err)
		}
		c.CPU = n
	}
	if c.RAM == 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return fmt.Errorf("reading memory: %w", err)
		}
		c.RAM = int(vm.Total / mib)
	}
	return nil
}

func (c *Config) WorkDir() string {
	return filepath.Join(c.DataDir, "wd")
}

func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "store")
}

// EnsureDirs creates the directories below the data dir.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.WorkDir(), c.StoreDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
