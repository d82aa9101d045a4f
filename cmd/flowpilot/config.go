package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/internal/tracker"
)

// Config is the flowpilot runtime configuration.
type Config struct {
	Log           LogConfig           `mapstructure:"log"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Store         StoreConfig         `mapstructure:"store"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Workflows     WorkflowsConfig     `mapstructure:"workflows"`
	Approvals     ApprovalsConfig     `mapstructure:"approvals"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HTTPConfig covers the admin API listener and outbound api_call steps.
type HTTPConfig struct {
	Addr    string        `mapstructure:"addr"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type EngineConfig struct {
	MaxRuntime        time.Duration `mapstructure:"max_runtime"`
	WatchdogInterval  time.Duration `mapstructure:"watchdog_interval"`
	ExceptionWorkflow string        `mapstructure:"exception_workflow"`
	Workers           int           `mapstructure:"workers"`
	HistorySize       int           `mapstructure:"history_size"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// RedisConfig enables the Redis execution history when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

type WorkflowsConfig struct {
	Dir      string `mapstructure:"dir"`
	Defaults bool   `mapstructure:"defaults"`
}

type ApprovalsConfig struct {
	Mode        string `mapstructure:"mode"`
	AutoApprove bool   `mapstructure:"auto_approve"`
}

type NotificationsConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

const (
	storeMemory  = "memory"
	storeLibSQL  = "libsql"
	approvalAuto = "auto"
	approvalQ    = "queue"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.base_url", "")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("engine.max_runtime", engine.DefaultMaxRuntime)
	v.SetDefault("engine.watchdog_interval", engine.DefaultWatchdogInterval)
	v.SetDefault("engine.exception_workflow", engine.DefaultExceptionWorkflow)
	v.SetDefault("engine.workers", engine.DefaultWorkers)
	v.SetDefault("engine.history_size", tracker.DefaultSize)
	v.SetDefault("store.driver", storeMemory)
	v.SetDefault("store.path", "flowpilot.db")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", store.DefaultHistoryKey)
	v.SetDefault("workflows.dir", "")
	v.SetDefault("workflows.defaults", true)
	v.SetDefault("approvals.mode", approvalQ)
	v.SetDefault("approvals.auto_approve", true)
	v.SetDefault("notifications.webhook_url", "")
	v.SetDefault("scheduler.enabled", true)
}

// loadConfig resolves defaults, then the config file, then FLOWPILOT_*
// environment variables. An explicit path must exist; the search path may not.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("flowpilot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.flowpilot")
		v.AddConfigPath("/etc/flowpilot")
	}

	v.SetEnvPrefix("FLOWPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case storeMemory, storeLibSQL:
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", storeMemory, storeLibSQL, c.Store.Driver)
	}
	switch c.Approvals.Mode {
	case approvalQ, approvalAuto:
	default:
		return fmt.Errorf("approvals.mode must be %q or %q, got %q", approvalQ, approvalAuto, c.Approvals.Mode)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Engine.HistorySize <= 0 {
		return fmt.Errorf("engine.history_size must be positive, got %d", c.Engine.HistorySize)
	}
	return nil
}

// libSQLPath turns a plain file path into the file: URI go-libsql expects.
func (c *Config) libSQLPath() string {
	p := c.Store.Path
	if strings.HasPrefix(p, "file:") || strings.Contains(p, "://") {
		return p
	}
	return "file:" + p
}
