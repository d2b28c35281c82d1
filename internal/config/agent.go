package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/edgepool/core/config"
)

// AgentConfig holds configuration for the reference worker agent.
type AgentConfig struct {
	WorkerID       string   `yaml:"worker_id"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	CoordinatorURL string   `yaml:"coordinator_url"`
	CoordinatorKey string   `yaml:"coordinator_key"`
	Token          string   `yaml:"token"`
	Models         []string `yaml:"models"`
	MaxConcurrency int      `yaml:"max_concurrency"`
	BackendURL     string   `yaml:"backend_url"`
	// Overrides for detected capabilities; zero means detect.
	CPUCores          int    `yaml:"cpu_cores"`
	TotalMemory       uint64 `yaml:"total_memory"`
	AcceleratorMemory uint64 `yaml:"accelerator_memory"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	ConfigFile     string        `yaml:"-"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
}

// SetDefaults initializes c with built-in defaults.
func (c *AgentConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 9090
	}
	if c.CoordinatorURL == "" {
		c.CoordinatorURL = "http://localhost:8080"
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 2
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Minute
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = time.Minute
	}
	if c.ConfigFile == "" {
		c.ConfigFile = commoncfg.DefaultConfigPath("agent.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *AgentConfig) ApplyEnv() {
	if v := commoncfg.GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := commoncfg.GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := commoncfg.GetEnv("LOG_FORMAT", ""); v != "" {
		c.LogFormat = v
	}
	if v := commoncfg.GetEnv("WORKER_ID", ""); v != "" {
		c.WorkerID = v
	}
	if v := commoncfg.GetEnv("AGENT_HOST", ""); v != "" {
		c.Host = v
	}
	envInt("AGENT_PORT", &c.Port)
	if v := commoncfg.GetEnv("COORDINATOR_URL", ""); v != "" {
		c.CoordinatorURL = v
	}
	if v := commoncfg.GetEnv("COORDINATOR_KEY", ""); v != "" {
		c.CoordinatorKey = v
	}
	if v := commoncfg.GetEnv("WORKER_TOKEN", ""); v != "" {
		c.Token = v
	}
	if v := commoncfg.GetEnv("MODELS", ""); v != "" {
		c.Models = splitComma(v)
	}
	envInt("MAX_CONCURRENCY", &c.MaxConcurrency)
	if v := commoncfg.GetEnv("BACKEND_URL", ""); v != "" {
		c.BackendURL = v
	}
	envInt("CPU_CORES", &c.CPUCores)
	if v := commoncfg.GetEnv("TOTAL_MEMORY", ""); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.TotalMemory = n
		}
	}
	if v := commoncfg.GetEnv("ACCELERATOR_MEMORY", ""); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.AcceleratorMemory = n
		}
	}
	envDuration("REQUEST_TIMEOUT", &c.RequestTimeout)
	envDuration("DRAIN_TIMEOUT", &c.DrainTimeout)
}

// BindFlagsFromCurrent binds command line flags on fs using the current config
// values as defaults.
func (c *AgentConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "agent config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log output format (console, json)")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "worker identifier; generated when empty")
	fs.StringVar(&c.Host, "host", c.Host, "address the coordinator uses to reach this agent")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.StringVar(&c.CoordinatorURL, "coordinator-url", c.CoordinatorURL, "coordinator base URL")
	fs.StringVar(&c.CoordinatorKey, "coordinator-key", c.CoordinatorKey, "API key for the coordinator admin API")
	fs.StringVar(&c.Token, "token", c.Token, "bearer token expected on inference requests")
	fs.Func("models", "comma separated list of served models", func(v string) error {
		c.Models = splitComma(v)
		return nil
	})
	fs.IntVar(&c.MaxConcurrency, "max-concurrency", c.MaxConcurrency, "maximum concurrent jobs")
	fs.StringVar(&c.BackendURL, "backend-url", c.BackendURL, "inference backend URL; jobs are echoed when empty")
	fs.IntVar(&c.CPUCores, "cpu-cores", c.CPUCores, "advertised CPU cores (0 to detect)")
	fs.Uint64Var(&c.TotalMemory, "total-memory", c.TotalMemory, "advertised memory in bytes (0 to detect)")
	fs.Uint64Var(&c.AcceleratorMemory, "accelerator-memory", c.AcceleratorMemory, "advertised accelerator memory in bytes")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "timeout for backend calls")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for running jobs on shutdown")
}

// Validate reports the first invalid setting.
func (c *AgentConfig) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case len(c.Models) == 0:
		return errors.New("at least one model is required")
	case c.MaxConcurrency <= 0:
		return errors.New("max concurrency must be positive")
	case c.CoordinatorURL == "":
		return errors.New("coordinator url is required")
	}
	return nil
}

// LoadFile populates the config from a YAML file.
func (c *AgentConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}
