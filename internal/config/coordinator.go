package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/edgepool/core/config"
	"github.com/gaspardpetit/edgepool/internal/registry"
)

// SeedWorker is a worker registered at startup from the config file.
type SeedWorker struct {
	ID           string                `yaml:"id"`
	Host         string                `yaml:"host"`
	Port         int                   `yaml:"port"`
	Capabilities registry.Capabilities `yaml:"capabilities"`
}

// CoordinatorConfig holds configuration for the edgepool coordinator.
type CoordinatorConfig struct {
	Port           int      `yaml:"port"`
	MetricsAddr    string   `yaml:"metrics_addr"`
	APIKey         string   `yaml:"api_key"`
	WorkerToken    string   `yaml:"worker_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	ConfigFile     string   `yaml:"-"`
	EnvFile        string   `yaml:"-"`
	LogLevel       string   `yaml:"log_level"`
	LogFormat      string   `yaml:"log_format"`
	RedisAddr      string   `yaml:"redis_addr"`

	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	EvictAfter    int           `yaml:"evict_after"`

	DispatchIncrement float64       `yaml:"dispatch_increment"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	MaxReassign       int           `yaml:"max_reassign"`
	TaskRetention     time.Duration `yaml:"task_retention"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`

	FitMode        string  `yaml:"fit_mode"`
	PriorityWeight float64 `yaml:"priority_weight"`
	Epsilon        float64 `yaml:"epsilon"`

	Workers []SeedWorker `yaml:"workers"`
}

// SetDefaults initializes c with built-in defaults.
func (c *CoordinatorConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.EvictAfter == 0 {
		c.EvictAfter = 3
	}
	if c.DispatchIncrement == 0 {
		c.DispatchIncrement = 0.1
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.TaskRetention == 0 {
		c.TaskRetention = 10 * time.Minute
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 5 * time.Minute
	}
	if c.FitMode == "" {
		c.FitMode = "strict"
	}
	if c.PriorityWeight == 0 {
		c.PriorityWeight = 1e-6
	}
	if c.Epsilon == 0 {
		c.Epsilon = 1e-6
	}
	if c.ConfigFile == "" {
		c.ConfigFile = commoncfg.DefaultConfigPath("coordinator.yaml")
	}
	if c.EnvFile == "" {
		c.EnvFile = ".env"
	}
}

// LoadEnvFile loads variables from a dotenv file without overriding variables
// already present in the environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *CoordinatorConfig) ApplyEnv() {
	if v := commoncfg.GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := commoncfg.GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := commoncfg.GetEnv("LOG_FORMAT", ""); v != "" {
		c.LogFormat = v
	}
	if v := commoncfg.GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := commoncfg.GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = listenAddr(v)
	}
	if v := commoncfg.GetEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := commoncfg.GetEnv("WORKER_TOKEN", ""); v != "" {
		c.WorkerToken = v
	}
	if v := commoncfg.GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := commoncfg.GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	envDuration("PROBE_INTERVAL", &c.ProbeInterval)
	envDuration("PROBE_TIMEOUT", &c.ProbeTimeout)
	envDuration("JOB_TIMEOUT", &c.JobTimeout)
	envDuration("TASK_RETENTION", &c.TaskRetention)
	envDuration("DRAIN_TIMEOUT", &c.DrainTimeout)
	envInt("EVICT_AFTER", &c.EvictAfter)
	envInt("MAX_REASSIGN", &c.MaxReassign)
	envFloat("DISPATCH_INCREMENT", &c.DispatchIncrement)
	envFloat("PRIORITY_WEIGHT", &c.PriorityWeight)
	if v := commoncfg.GetEnv("FIT_MODE", ""); v != "" {
		c.FitMode = v
	}
}

// BindFlagsFromCurrent binds command line flags on fs using the current config
// values as defaults.
func (c *CoordinatorConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "coordinator config file path")
	fs.StringVar(&c.EnvFile, "env-file", c.EnvFile, "dotenv file loaded before reading the environment")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log output format (console, json)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the API")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the value of --port", func(v string) error {
		c.MetricsAddr = listenAddr(v)
		return nil
	})
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "API key required for HTTP requests; leave empty to disable auth")
	fs.StringVar(&c.WorkerToken, "worker-token", c.WorkerToken, "bearer token sent to workers with each job")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for worker persistence")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.DurationVar(&c.ProbeInterval, "probe-interval", c.ProbeInterval, "interval between worker health probes")
	fs.DurationVar(&c.ProbeTimeout, "probe-timeout", c.ProbeTimeout, "timeout for a single health probe")
	fs.IntVar(&c.EvictAfter, "evict-after", c.EvictAfter, "consecutive failed probes before a worker is unregistered (0 disables)")
	fs.Float64Var(&c.DispatchIncrement, "dispatch-increment", c.DispatchIncrement, "load added to a worker while it runs a job")
	fs.DurationVar(&c.JobTimeout, "job-timeout", c.JobTimeout, "default execution timeout per job")
	fs.IntVar(&c.MaxReassign, "max-reassign", c.MaxReassign, "re-place a job on another worker this many times after transport errors (0 disables)")
	fs.DurationVar(&c.TaskRetention, "task-retention", c.TaskRetention, "how long finished tasks stay queryable")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight jobs on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
	fs.StringVar(&c.FitMode, "fit-mode", c.FitMode, "capability fit mode (strict, proportional)")
	fs.Float64Var(&c.PriorityWeight, "priority-weight", c.PriorityWeight, "weight of job priority when breaking near ties")
}

// Validate reports the first invalid setting.
func (c *CoordinatorConfig) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.ProbeInterval <= 0:
		return errors.New("probe interval must be positive")
	case c.ProbeTimeout <= 0:
		return errors.New("probe timeout must be positive")
	case c.EvictAfter < 0:
		return errors.New("evict-after must not be negative")
	case c.DispatchIncrement <= 0 || c.DispatchIncrement > 1:
		return errors.New("dispatch increment must be in (0,1]")
	case c.JobTimeout <= 0:
		return errors.New("job timeout must be positive")
	case c.MaxReassign < 0:
		return errors.New("max-reassign must not be negative")
	case c.PriorityWeight < 0:
		return errors.New("priority weight must not be negative")
	}
	if c.FitMode != "strict" && c.FitMode != "proportional" {
		return fmt.Errorf("unknown fit mode %q", c.FitMode)
	}
	for _, w := range c.Workers {
		if w.ID == "" || w.Host == "" || w.Port <= 0 {
			return fmt.Errorf("seed worker %q needs id, host and port", w.ID)
		}
	}
	return nil
}

// LoadFile populates the config from a YAML file.
func (c *CoordinatorConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func listenAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDuration(key string, dst *time.Duration) {
	if v := commoncfg.GetEnv(key, ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(key string, dst *int) {
	if v := commoncfg.GetEnv(key, ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := commoncfg.GetEnv(key, ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
