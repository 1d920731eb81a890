package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log         LogConfig         `yaml:"log"`
	Store       StoreConfig       `yaml:"store"`
	NATS        NATSConfig        `yaml:"nats"`
	Web         WebConfig         `yaml:"web"`
	Health      HealthConfig      `yaml:"health"`
	Integration IntegrationConfig `yaml:"integration"`
	Swarm       SwarmConfig       `yaml:"swarm"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Retention   RetentionConfig   `yaml:"retention"`
	Workflows   []WorkflowConfig  `yaml:"workflows"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type HealthConfig struct {
	Services       []ServiceConfig `yaml:"services"`
	SweepInterval  time.Duration   `yaml:"sweep_interval"`
	SweepCron      string          `yaml:"sweep_cron"`
	ProbeTimeout   time.Duration   `yaml:"probe_timeout"`
	CommandTimeout time.Duration   `yaml:"command_timeout"`
	Docker         bool            `yaml:"docker"`
}

// ServiceConfig describes one monitored service.
type ServiceConfig struct {
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
	Restart string `yaml:"restart"`
}

type IntegrationConfig struct {
	BaseURL           string            `yaml:"base_url"`
	APIKey            string            `yaml:"api_key"`
	Headers           map[string]string `yaml:"headers"`
	Timeout           time.Duration     `yaml:"timeout"`
	MaxRetries        int               `yaml:"max_retries"`
	BaseDelay         time.Duration     `yaml:"base_delay"`
	MaxJitter         time.Duration     `yaml:"max_jitter"`
	RequestsPerSecond float64           `yaml:"requests_per_second"`
}

type SwarmConfig struct {
	Roles          []string      `yaml:"roles"`
	DefaultRole    string        `yaml:"default_role"` // chat text without an @role mention
	FailureRate    float64       `yaml:"failure_rate"`
	Latency        time.Duration `yaml:"latency"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	Transport      string        `yaml:"transport"` // simulated, nats
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type TelemetryConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type RetentionConfig struct {
	MaxAge        time.Duration `yaml:"max_age"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// WorkflowConfig declares a recurring outbound call. Exactly one of
// Interval or Cron must be set.
type WorkflowConfig struct {
	Name     string        `yaml:"name"`
	Interval time.Duration `yaml:"interval"`
	Cron     string        `yaml:"cron"`
	Method   string        `yaml:"method"`
	Endpoint string        `yaml:"endpoint"`
	Body     any           `yaml:"body"`
}

func defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Path: "data/hyperops.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Health: HealthConfig{
			SweepInterval:  time.Minute,
			ProbeTimeout:   10 * time.Second,
			CommandTimeout: 2 * time.Minute,
		},
		Integration: IntegrationConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			BaseDelay:  500 * time.Millisecond,
			MaxJitter:  50 * time.Millisecond,
		},
		Swarm: SwarmConfig{
			Roles:          []string{"researcher", "coder", "reviewer"},
			DefaultRole:    "researcher",
			FailureRate:    0.05,
			Latency:        100 * time.Millisecond,
			Transport:      "simulated",
			RequestTimeout: 5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			Interval: 5 * time.Minute,
		},
		Retention: RetentionConfig{
			MaxAge:        7 * 24 * time.Hour,
			PruneInterval: time.Hour,
		},
	}
}

// Path returns the config file location: $HYPEROPS_CONFIG or
// config/hyperops.yaml.
func Path() string {
	if path := os.Getenv("HYPEROPS_CONFIG"); path != "" {
		return path
	}
	return "config/hyperops.yaml"
}

func Load() (*Config, error) {
	cfg := defaults()

	path := Path()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HYPEROPS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("HYPEROPS_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HYPEROPS_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("HYPEROPS_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("HYPEROPS_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("HYPEROPS_API_KEY"); v != "" {
		cfg.Integration.APIKey = v
	}
	if v := os.Getenv("HYPEROPS_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("HYPEROPS_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("HYPEROPS_SWARM_FAILURE_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Swarm.FailureRate = rate
		}
	}
}

// MaxRetriesLimit caps integration.max_retries. With the default 500ms base
// delay the last wait is already over three days.
const MaxRetriesLimit = 20

// BuiltinWorkflows are the workflow names the daemon registers itself.
var BuiltinWorkflows = []string{"health-sweep", "telemetry", "retention"}

// Validate checks the fields a running daemon cannot recover from.
func (c *Config) Validate() error {
	var errs []error

	seen := make(map[string]bool, len(c.Health.Services))
	for i, svc := range c.Health.Services {
		if svc.Name == "" || svc.URL == "" || svc.Restart == "" {
			errs = append(errs, fmt.Errorf("health.services[%d]: name, url and restart are required", i))
			continue
		}
		if seen[svc.Name] {
			errs = append(errs, fmt.Errorf("health.services[%d]: duplicate name %q", i, svc.Name))
		}
		seen[svc.Name] = true
	}
	if c.Health.SweepInterval < 0 {
		errs = append(errs, errors.New("health.sweep_interval must not be negative"))
	}

	if c.Integration.MaxRetries < 0 || c.Integration.MaxRetries > MaxRetriesLimit {
		errs = append(errs, fmt.Errorf("integration.max_retries must be within [0,%d], got %d", MaxRetriesLimit, c.Integration.MaxRetries))
	}

	if c.Swarm.FailureRate < 0 || c.Swarm.FailureRate > 1 {
		errs = append(errs, fmt.Errorf("swarm.failure_rate must be within [0,1], got %v", c.Swarm.FailureRate))
	}
	if c.Swarm.DefaultRole != "" && !slices.ContainsFunc(c.Swarm.Roles, func(r string) bool {
		return strings.EqualFold(r, c.Swarm.DefaultRole)
	}) {
		errs = append(errs, fmt.Errorf("swarm.default_role %q is not one of the roles", c.Swarm.DefaultRole))
	}
	switch c.Swarm.Transport {
	case "", "simulated", "nats":
	default:
		errs = append(errs, fmt.Errorf("swarm.transport: unknown transport %q", c.Swarm.Transport))
	}

	names := make(map[string]bool, len(c.Workflows))
	for i, wf := range c.Workflows {
		switch {
		case wf.Name == "":
			errs = append(errs, fmt.Errorf("workflows[%d]: name is required", i))
		case names[wf.Name]:
			errs = append(errs, fmt.Errorf("workflows[%d]: duplicate name %q", i, wf.Name))
		case slices.Contains(BuiltinWorkflows, wf.Name):
			errs = append(errs, fmt.Errorf("workflows[%d]: name %q is reserved", i, wf.Name))
		case (wf.Interval > 0) == (strings.TrimSpace(wf.Cron) != ""):
			errs = append(errs, fmt.Errorf("workflow %q: exactly one of interval or cron is required", wf.Name))
		case wf.Endpoint == "":
			errs = append(errs, fmt.Errorf("workflow %q: endpoint is required", wf.Name))
		}
		names[wf.Name] = true
	}

	return errors.Join(errs...)
}
