// Package config loads the daemon configuration: YAML file first, then
// POWERDAEMON_* environment overrides, then validation. Durations are
// configured as integer seconds/minutes to keep the file format plain.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
)

// Config is the root of the daemon configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Cache         CacheConfig         `yaml:"cache"`
	Bus           BusConfig           `yaml:"bus"`
	Storage       StorageConfig       `yaml:"storage"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Alerting      AlertingConfig      `yaml:"alerting"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Identity      IdentityConfig      `yaml:"identity"`
	Integrations  IntegrationsConfig  `yaml:"integrations"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig configures the REST listener
type ServerConfig struct {
	ListenAddr  string   `yaml:"listen_addr" validate:"required"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// CacheConfig configures the Redis-backed cache substrate
type CacheConfig struct {
	Addr      string `yaml:"addr" validate:"required"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix"`
}

// BusConfig configures the message bus. Embedded mode runs an in-process
// broker instead of connecting to NATS.
type BusConfig struct {
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
}

// StorageConfig configures workflow persistence
type StorageConfig struct {
	DataDir string `yaml:"data_dir" validate:"required"`
}

// OrchestratorConfig bounds the deployment engine
type OrchestratorConfig struct {
	MaxConcurrentWorkflows     int  `yaml:"max_concurrent_workflows" validate:"gt=0"`
	MaxQueuedWorkflows         int  `yaml:"max_queued_workflows" validate:"gte=0"`
	HealthCheckIntervalSeconds int  `yaml:"health_check_interval_seconds" validate:"gt=0"`
	WorkflowTimeoutMinutes     int  `yaml:"workflow_timeout_minutes" validate:"gt=0"`
	PhaseTimeoutMinutes        int  `yaml:"phase_timeout_minutes" validate:"gt=0"`
	StepTimeoutMinutes         int  `yaml:"step_timeout_minutes" validate:"gt=0"`
	MaxRetryAttempts           int  `yaml:"max_retry_attempts" validate:"gte=0"`
	RetryDelaySeconds          int  `yaml:"retry_delay_seconds" validate:"gte=0"`
	EnableAutoRollback         bool `yaml:"enable_auto_rollback"`
	RollbackTimeoutMinutes     int  `yaml:"rollback_timeout_minutes" validate:"gt=0"`
	RollbackConcurrency        int  `yaml:"rollback_concurrency" validate:"gt=0"`
	WorkflowCleanupDays        int  `yaml:"workflow_cleanup_days" validate:"gt=0"`
}

func (o OrchestratorConfig) WorkflowTimeout() time.Duration {
	return time.Duration(o.WorkflowTimeoutMinutes) * time.Minute
}

func (o OrchestratorConfig) PhaseTimeout() time.Duration {
	return time.Duration(o.PhaseTimeoutMinutes) * time.Minute
}

func (o OrchestratorConfig) StepTimeout() time.Duration {
	return time.Duration(o.StepTimeoutMinutes) * time.Minute
}

func (o OrchestratorConfig) RetryDelay() time.Duration {
	return time.Duration(o.RetryDelaySeconds) * time.Second
}

func (o OrchestratorConfig) RollbackTimeout() time.Duration {
	return time.Duration(o.RollbackTimeoutMinutes) * time.Minute
}

func (o OrchestratorConfig) HealthCheckInterval() time.Duration {
	return time.Duration(o.HealthCheckIntervalSeconds) * time.Second
}

// AlertingConfig configures the evaluation engine and the built-in rules
type AlertingConfig struct {
	EvaluationIntervalSeconds int              `yaml:"evaluation_interval_seconds" validate:"gt=0"`
	AlertRetentionDays        int              `yaml:"alert_retention_days" validate:"gt=0"`
	CPU                       ThresholdConfig  `yaml:"cpu"`
	Memory                    ThresholdConfig  `yaml:"memory"`
	Disk                      ThresholdConfig  `yaml:"disk"`
	Network                   ThresholdConfig  `yaml:"network"`
	DeploymentFailureRateWarn float64          `yaml:"deployment_failure_rate_warning" validate:"gte=0,lte=100"`
	ResponseTimeWarnMillis    int              `yaml:"service_response_time_warning_ms" validate:"gte=0"`
	PrometheusURL             string           `yaml:"prometheus_url"`
}

func (a AlertingConfig) EvaluationInterval() time.Duration {
	return time.Duration(a.EvaluationIntervalSeconds) * time.Second
}

func (a AlertingConfig) AlertRetention() time.Duration {
	return time.Duration(a.AlertRetentionDays) * 24 * time.Hour
}

// ThresholdConfig drives one family of built-in rules
type ThresholdConfig struct {
	Warning                 float64 `yaml:"warning" validate:"gte=0"`
	Critical                float64 `yaml:"critical" validate:"gte=0"`
	EvaluationWindowMinutes int     `yaml:"evaluation_window_minutes" validate:"gt=0"`
	MinimumDataPoints       int     `yaml:"minimum_data_points" validate:"gt=0"`
}

func (t ThresholdConfig) EvaluationWindow() time.Duration {
	return time.Duration(t.EvaluationWindowMinutes) * time.Minute
}

// NotificationsConfig configures dispatch and the seeded channels
type NotificationsConfig struct {
	RetryIntervalSeconds int             `yaml:"retry_interval_seconds" validate:"gt=0"`
	MaxAttempts          int             `yaml:"max_attempts" validate:"gt=0"`
	BatchConcurrency     int             `yaml:"batch_concurrency" validate:"gt=0"`
	Channels             []ChannelConfig `yaml:"channels" validate:"dive"`
}

func (n NotificationsConfig) RetryInterval() time.Duration {
	return time.Duration(n.RetryIntervalSeconds) * time.Second
}

// ChannelConfig declares one notification channel
type ChannelConfig struct {
	Name        string            `yaml:"name" validate:"required"`
	Type        string            `yaml:"type" validate:"required,oneof=slack webhook email script"`
	Enabled     bool              `yaml:"enabled"`
	MinSeverity string            `yaml:"min_severity" validate:"omitempty,oneof=info warning critical"`
	Settings    map[string]string `yaml:"settings"`
}

// IdentityConfig configures authentication and the static user set
type IdentityConfig struct {
	Enabled       bool         `yaml:"enabled"`
	JWTSecret     string       `yaml:"jwt_secret"`
	TokenTTLHours int          `yaml:"token_ttl_hours" validate:"gt=0"`
	Users         []UserConfig `yaml:"users" validate:"dive"`
}

func (i IdentityConfig) TokenTTL() time.Duration {
	return time.Duration(i.TokenTTLHours) * time.Hour
}

// UserConfig declares one static user with a bcrypt password hash
type UserConfig struct {
	Username     string   `yaml:"username" validate:"required"`
	PasswordHash string   `yaml:"password_hash" validate:"required"`
	Roles        []string `yaml:"roles"`
}

// IntegrationsConfig points the engine at the fleet's host-level services
type IntegrationsConfig struct {
	// HealthProbeURLTemplate expands {host} and {service} into the per-host
	// health endpoint.
	HealthProbeURLTemplate string             `yaml:"health_probe_url_template" validate:"required"`
	LoadBalancer           LoadBalancerConfig `yaml:"load_balancer"`
}

// LoadBalancerConfig is the daemon-level default load balancer; workflows
// may override it through their LoadBalancerConfig section.
type LoadBalancerConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// LoggingConfig configures the global logger
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration the daemon runs with when no file is
// provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Cache: CacheConfig{
			Addr:      "127.0.0.1:6379",
			KeyPrefix: "pd:",
		},
		Bus: BusConfig{
			URL: "nats://127.0.0.1:4222",
		},
		Storage: StorageConfig{
			DataDir: "/var/lib/powerdaemon",
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentWorkflows:     10,
			MaxQueuedWorkflows:         50,
			HealthCheckIntervalSeconds: 30,
			WorkflowTimeoutMinutes:     120,
			PhaseTimeoutMinutes:        30,
			StepTimeoutMinutes:         10,
			MaxRetryAttempts:           3,
			RetryDelaySeconds:          30,
			EnableAutoRollback:         false,
			RollbackTimeoutMinutes:     15,
			RollbackConcurrency:        5,
			WorkflowCleanupDays:        30,
		},
		Alerting: AlertingConfig{
			EvaluationIntervalSeconds: 60,
			AlertRetentionDays:        30,
			CPU:                       ThresholdConfig{Warning: 80, Critical: 90, EvaluationWindowMinutes: 5, MinimumDataPoints: 3},
			Memory:                    ThresholdConfig{Warning: 85, Critical: 95, EvaluationWindowMinutes: 5, MinimumDataPoints: 3},
			Disk:                      ThresholdConfig{Warning: 85, Critical: 95, EvaluationWindowMinutes: 15, MinimumDataPoints: 3},
			Network:                   ThresholdConfig{Warning: 80, Critical: 95, EvaluationWindowMinutes: 5, MinimumDataPoints: 3},
			DeploymentFailureRateWarn: 20,
			ResponseTimeWarnMillis:    2000,
		},
		Notifications: NotificationsConfig{
			RetryIntervalSeconds: 60,
			MaxAttempts:          5,
			BatchConcurrency:     5,
		},
		Identity: IdentityConfig{
			Enabled:       false,
			TokenTTLHours: 12,
		},
		Integrations: IntegrationsConfig{
			HealthProbeURLTemplate: "http://{host}:8081/health",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errdefs.InvalidConfigurationf("parsing config file %s: %v", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces field constraints and the cross-field rules the engine
// depends on.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errdefs.InvalidConfigurationf("config validation: %v", err)
	}
	if c.Identity.Enabled && c.Identity.JWTSecret == "" {
		return errdefs.InvalidConfigurationf("identity.jwt_secret is required when identity is enabled")
	}
	if !c.Bus.Embedded && c.Bus.URL == "" {
		return errdefs.InvalidConfigurationf("bus.url is required unless bus.embedded is set")
	}
	for _, tc := range []struct {
		name string
		t    ThresholdConfig
	}{{"cpu", c.Alerting.CPU}, {"memory", c.Alerting.Memory}, {"disk", c.Alerting.Disk}, {"network", c.Alerting.Network}} {
		if tc.t.Warning > tc.t.Critical {
			return errdefs.InvalidConfigurationf("alerting.%s: warning threshold %.1f exceeds critical %.1f", tc.name, tc.t.Warning, tc.t.Critical)
		}
		if interval := c.Alerting.EvaluationInterval(); interval > tc.t.EvaluationWindow() {
			return errdefs.InvalidConfigurationf("alerting.%s: evaluation interval %s exceeds window %s", tc.name, interval, tc.t.EvaluationWindow())
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POWERDAEMON_SERVER_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("POWERDAEMON_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("POWERDAEMON_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("POWERDAEMON_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("POWERDAEMON_BUS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("POWERDAEMON_STORAGE_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("POWERDAEMON_IDENTITY_JWT_SECRET"); v != "" {
		cfg.Identity.JWTSecret = v
	}
	if v := os.Getenv("POWERDAEMON_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
