package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config global configuration shared by robotd and fleetd.
// Each binary only reads the sections it needs.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logger     LoggerConfig     `yaml:"logger"`
	Redis      RedisConfig      `yaml:"redis"`
	MySQL      MySQLConfig      `yaml:"mysql"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Queue      QueueConfig      `yaml:"queue"`
	Notify     NotifyConfig     `yaml:"notification"`
	Robot      RobotConfig      `yaml:"robot"`
	Inference  InferenceConfig  `yaml:"inference"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Safety     SafetyConfig     `yaml:"safety"`
	ModelMgr   ModelMgrConfig   `yaml:"model_manager"`
	Deployment DeploymentConfig `yaml:"deployment"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Port   int    `yaml:"port"`
	Mode   string `yaml:"mode"`    // debug, release
	APIKey string `yaml:"api_key"` // optional, auth disabled when empty
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MySQLConfig archive database configuration
type MySQLConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DSN builds the mysql driver DSN
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// MQTTConfig E-stop broadcast broker
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // tcp://host:1883
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// KafkaConfig event stream for dashboards
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// QueueConfig asynq audit queue
type QueueConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Queue    string `yaml:"queue"`
	MaxRetry int    `yaml:"max_retry"`
}

// NotifyConfig chat webhook for deployment alerts
type NotifyConfig struct {
	FeishuWebhookURL string `yaml:"feishu_webhook_url"` // empty disables notifications
}

// RobotConfig identity of the robot running robotd
type RobotConfig struct {
	ID            string `yaml:"id"`
	Type          string `yaml:"type"`
	Zone          string `yaml:"zone"`
	Embodiment    string `yaml:"embodiment"`
	ControlRateHz int    `yaml:"control_rate_hz"`
	AdvertiseURL  string `yaml:"advertise_url"`      // device API address published to the registry
	PresenceTTL   int    `yaml:"presence_ttl_sec"`   // registry entry TTL
	PresenceEvery int    `yaml:"presence_every_sec"` // registry refresh period
}

// ControlPeriod returns the fixed control tick period
func (c RobotConfig) ControlPeriod() time.Duration {
	return time.Second / time.Duration(c.ControlRateHz)
}

// InferenceConfig remote inference service connection
type InferenceConfig struct {
	ServerURL               string `yaml:"server_url"`   // ws://host:port/v1/inference
	FallbackURL             string `yaml:"fallback_url"` // http://host:port, optional
	PoolSize                int    `yaml:"pool_size"`
	RequestTimeoutMs        int    `yaml:"request_timeout_ms"`
	HealthCheckIntervalMs   int    `yaml:"health_check_interval_ms"`
	ReconnectInitialDelayMs int    `yaml:"reconnect_initial_delay_ms"`
	ReconnectMaxDelayMs     int    `yaml:"reconnect_max_delay_ms"`
	ModelVersion            string `yaml:"model_version"`
	Stream                  bool   `yaml:"stream"` // bidirectional stream instead of single-shot prefetch
}

// BufferConfig action buffer sizing
type BufferConfig struct {
	Capacity          int     `yaml:"capacity"`
	LowThreshold      float64 `yaml:"low_threshold"`
	PrefetchThreshold float64 `yaml:"prefetch_threshold"`
}

// SafetyConfig E-stop policy
type SafetyConfig struct {
	RequiresManualReset *bool `yaml:"requires_manual_reset"`
	HeartbeatTimeoutMs  int   `yaml:"heartbeat_timeout_ms"`
	EventLogSize        int   `yaml:"event_log_size"`
}

// ManualReset reports the effective manual reset policy (default true)
func (c SafetyConfig) ManualReset() bool {
	if c.RequiresManualReset == nil {
		return true
	}
	return *c.RequiresManualReset
}

// ModelMgrConfig simulated artifact load behaviour on the device
type ModelMgrConfig struct {
	MinLoadMs   int     `yaml:"min_load_ms"`
	MaxLoadMs   int     `yaml:"max_load_ms"`
	FailureRate float64 `yaml:"failure_rate"` // injected failure rate for non-rollback switches
	HistorySize int     `yaml:"history_size"`
}

// StageConfig one canary stage
type StageConfig struct {
	Percentage  float64 `yaml:"percentage" json:"percentage"`
	DurationMin int     `yaml:"duration_min" json:"durationMin"`
}

// ThresholdConfig rollback thresholds
type ThresholdConfig struct {
	MaxErrorRate       float64 `yaml:"max_error_rate" json:"maxErrorRate"`
	MaxP99LatencyMs    float64 `yaml:"max_p99_latency_ms" json:"maxP99LatencyMs"`
	MaxTaskFailureRate float64 `yaml:"max_task_failure_rate" json:"maxTaskFailureRate"`
}

// DeploymentConfig orchestrator defaults
type DeploymentConfig struct {
	PollIntervalSec    int             `yaml:"poll_interval_sec"`
	CheckIntervalSec   int             `yaml:"check_interval_sec"`
	MetricsWindowMin   int             `yaml:"metrics_window_min"`
	SuccessThreshold   float64         `yaml:"success_threshold"`
	CriticalMultiplier float64         `yaml:"critical_multiplier"`
	MaxUtilization     float64         `yaml:"max_utilization"`
	SwitchTimeoutMs    int             `yaml:"switch_timeout_ms"`
	MetricsTimeoutMs   int             `yaml:"metrics_timeout_ms"`
	DefaultStages      []StageConfig   `yaml:"default_stages"`
	DefaultThresholds  ThresholdConfig `yaml:"default_thresholds"`
}

// Load reads the yaml file at path, applies env overrides and defaults, then validates
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes yaml bytes into a validated Config
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyEnvOverrides(&cfg)
	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvePath picks the config path: flag value, CONFIG_PATH env, then the default location
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ROBOFLEET_ROBOT_ID"); v != "" {
		cfg.Robot.ID = v
	}
	if v := os.Getenv("ROBOFLEET_INFERENCE_SERVER_URL"); v != "" {
		cfg.Inference.ServerURL = v
	}
	if v := os.Getenv("ROBOFLEET_INFERENCE_FALLBACK_URL"); v != "" {
		cfg.Inference.FallbackURL = v
	}
	if v := os.Getenv("ROBOFLEET_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("FEISHU_WEBHOOK_URL"); v != "" && cfg.Notify.FeishuWebhookURL == "" {
		cfg.Notify.FeishuWebhookURL = v
	}
	if v := os.Getenv("ROBOFLEET_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("ROBOFLEET_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

// ApplyDefaults fills zero values with the documented defaults
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Output == "" {
		cfg.Logger.Output = "console"
	}
	if cfg.Logger.File.MaxSizeMB == 0 {
		cfg.Logger.File.MaxSizeMB = 100
	}
	if cfg.Logger.File.MaxBackups == 0 {
		cfg.Logger.File.MaxBackups = 5
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "robofleet"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "robofleet.events"
	}
	if cfg.Queue.Queue == "" {
		cfg.Queue.Queue = "audit"
	}
	if cfg.Queue.MaxRetry == 0 {
		cfg.Queue.MaxRetry = 3
	}

	if cfg.Robot.ControlRateHz == 0 {
		cfg.Robot.ControlRateHz = 50
	}
	if cfg.Robot.Embodiment == "" {
		cfg.Robot.Embodiment = "so101_arm"
	}
	if cfg.Robot.PresenceTTL == 0 {
		cfg.Robot.PresenceTTL = 30
	}
	if cfg.Robot.PresenceEvery == 0 {
		cfg.Robot.PresenceEvery = 10
	}

	if cfg.Inference.PoolSize == 0 {
		cfg.Inference.PoolSize = 4
	}
	if cfg.Inference.RequestTimeoutMs == 0 {
		cfg.Inference.RequestTimeoutMs = 5000
	}
	if cfg.Inference.HealthCheckIntervalMs == 0 {
		cfg.Inference.HealthCheckIntervalMs = 5000
	}
	if cfg.Inference.ReconnectInitialDelayMs == 0 {
		cfg.Inference.ReconnectInitialDelayMs = 100
	}
	if cfg.Inference.ReconnectMaxDelayMs == 0 {
		cfg.Inference.ReconnectMaxDelayMs = 30000
	}

	if cfg.Buffer.Capacity == 0 {
		cfg.Buffer.Capacity = 16
	}
	if cfg.Buffer.LowThreshold == 0 {
		cfg.Buffer.LowThreshold = 0.25
	}
	if cfg.Buffer.PrefetchThreshold == 0 {
		cfg.Buffer.PrefetchThreshold = 0.5
	}

	if cfg.Safety.HeartbeatTimeoutMs == 0 {
		cfg.Safety.HeartbeatTimeoutMs = 1000
	}
	if cfg.Safety.EventLogSize == 0 {
		cfg.Safety.EventLogSize = 100
	}

	if cfg.ModelMgr.MaxLoadMs == 0 {
		cfg.ModelMgr.MinLoadMs = 500
		cfg.ModelMgr.MaxLoadMs = 2000
	}
	if cfg.ModelMgr.HistorySize == 0 {
		cfg.ModelMgr.HistorySize = 10
	}

	d := &cfg.Deployment
	if d.PollIntervalSec == 0 {
		d.PollIntervalSec = 30
	}
	if d.CheckIntervalSec == 0 {
		d.CheckIntervalSec = 60
	}
	if d.MetricsWindowMin == 0 {
		d.MetricsWindowMin = 60
	}
	if d.SuccessThreshold == 0 {
		d.SuccessThreshold = 0.95
	}
	if d.CriticalMultiplier == 0 {
		d.CriticalMultiplier = 2.0
	}
	if d.MaxUtilization == 0 {
		d.MaxUtilization = 0.9
	}
	if d.SwitchTimeoutMs == 0 {
		d.SwitchTimeoutMs = 30000
	}
	if d.MetricsTimeoutMs == 0 {
		d.MetricsTimeoutMs = 5000
	}
	if len(d.DefaultStages) == 0 {
		d.DefaultStages = []StageConfig{
			{Percentage: 0.05, DurationMin: 60},
			{Percentage: 0.25, DurationMin: 60},
			{Percentage: 0.5, DurationMin: 60},
			{Percentage: 1.0, DurationMin: 0},
		}
	}
	if d.DefaultThresholds.MaxErrorRate == 0 {
		d.DefaultThresholds.MaxErrorRate = 0.05
	}
	if d.DefaultThresholds.MaxP99LatencyMs == 0 {
		d.DefaultThresholds.MaxP99LatencyMs = 200
	}
	if d.DefaultThresholds.MaxTaskFailureRate == 0 {
		d.DefaultThresholds.MaxTaskFailureRate = 0.1
	}
}

// Validate returns every invalid field joined into one error
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	switch c.Logger.Output {
	case "console", "file", "both":
	default:
		errs = append(errs, fmt.Sprintf("logger.output must be console, file or both, got %q", c.Logger.Output))
	}
	if c.Logger.Output != "console" && c.Logger.File.Path == "" {
		errs = append(errs, "logger.file.path is required for file output")
	}
	if c.Inference.PoolSize < 1 {
		errs = append(errs, fmt.Sprintf("inference.pool_size must be >= 1, got %d", c.Inference.PoolSize))
	}
	if c.Inference.ReconnectMaxDelayMs < c.Inference.ReconnectInitialDelayMs {
		errs = append(errs, "inference.reconnect_max_delay_ms must be >= reconnect_initial_delay_ms")
	}
	if c.Buffer.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("buffer.capacity must be >= 1, got %d", c.Buffer.Capacity))
	}
	if c.Buffer.LowThreshold <= 0 || c.Buffer.LowThreshold >= 1 {
		errs = append(errs, fmt.Sprintf("buffer.low_threshold must be in (0,1), got %v", c.Buffer.LowThreshold))
	}
	if c.Buffer.PrefetchThreshold <= 0 || c.Buffer.PrefetchThreshold > 1 {
		errs = append(errs, fmt.Sprintf("buffer.prefetch_threshold must be in (0,1], got %v", c.Buffer.PrefetchThreshold))
	}
	if c.Robot.ControlRateHz < 1 || c.Robot.ControlRateHz > 1000 {
		errs = append(errs, fmt.Sprintf("robot.control_rate_hz must be 1-1000, got %d", c.Robot.ControlRateHz))
	}
	if c.ModelMgr.MinLoadMs > c.ModelMgr.MaxLoadMs {
		errs = append(errs, "model_manager.min_load_ms must be <= max_load_ms")
	}
	if c.ModelMgr.FailureRate < 0 || c.ModelMgr.FailureRate > 1 {
		errs = append(errs, fmt.Sprintf("model_manager.failure_rate must be in [0,1], got %v", c.ModelMgr.FailureRate))
	}
	if err := ValidateStages(c.Deployment.DefaultStages); err != nil {
		errs = append(errs, "deployment.default_stages: "+err.Error())
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker is required when mqtt is enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, "kafka.brokers is required when kafka is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateStages checks canary stages are increasing and end at 100%
func ValidateStages(stages []StageConfig) error {
	if len(stages) == 0 {
		return errors.New("at least one stage is required")
	}
	prev := 0.0
	for i, s := range stages {
		if s.Percentage <= 0 || s.Percentage > 1 {
			return fmt.Errorf("stage %d percentage must be in (0,1], got %v", i, s.Percentage)
		}
		if s.Percentage < prev {
			return fmt.Errorf("stage %d percentage %v is lower than previous stage %v", i, s.Percentage, prev)
		}
		if s.DurationMin < 0 {
			return fmt.Errorf("stage %d duration must be >= 0", i)
		}
		prev = s.Percentage
	}
	if prev != 1.0 {
		return fmt.Errorf("final stage must reach 100%%, got %v", prev)
	}
	return nil
}

// Duration helpers

func (c InferenceConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c InferenceConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

func (c InferenceConfig) ReconnectInitialDelay() time.Duration {
	return time.Duration(c.ReconnectInitialDelayMs) * time.Millisecond
}

func (c InferenceConfig) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.ReconnectMaxDelayMs) * time.Millisecond
}

func (c SafetyConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}
