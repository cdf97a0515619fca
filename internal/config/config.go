package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Engine     EngineConfig     `yaml:"engine"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Log        LogConfig        `yaml:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Security   SecurityConfig   `yaml:"security"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EngineConfig 工作流引擎运行参数
type EngineConfig struct {
	WorkflowConcurrency  int           `yaml:"workflow_concurrency"`  // START/RESUME job workers
	SchedulerConcurrency int           `yaml:"scheduler_concurrency"` // scheduled-scan job workers
	PollInterval         time.Duration `yaml:"poll_interval"`         // queue poll interval
	SLACheckInterval     time.Duration `yaml:"sla_check_interval"`    // SLA monitor period
	EscalationInterval   time.Duration `yaml:"escalation_interval"`   // escalation monitor period
	ScoringCron          string        `yaml:"scoring_cron"`          // lead scoring batch schedule
	JobMaxAttempts       int           `yaml:"job_max_attempts"`
	JobBackoffBase       time.Duration `yaml:"job_backoff_base"`
}

type WebhookConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, text
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxAge     int    `yaml:"max_age"`     // days
	MaxBackups int    `yaml:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress"`    // compress backup files
}

type MonitoringConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MetricsPath string        `yaml:"metrics_path"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // OTLP gRPC endpoint, e.g. http://otel-collector:4317
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"` // 0.0~1.0
	ServiceName string  `yaml:"service_name"` // defaults to "crmflow"
}

type SecurityConfig struct {
	CORS CORSConfig `yaml:"cors"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

func Load() *Config {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}
	applyDefaults(&config)
	return &config
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "crmflow",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "both",
			FilePath:   "./logs/crmflow.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "crmflow",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
		},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.WorkflowConcurrency <= 0 {
		cfg.Engine.WorkflowConcurrency = 5
	}
	if cfg.Engine.SchedulerConcurrency <= 0 {
		cfg.Engine.SchedulerConcurrency = 1
	}
	if cfg.Engine.PollInterval <= 0 {
		cfg.Engine.PollInterval = 2 * time.Second
	}
	if cfg.Engine.SLACheckInterval <= 0 {
		cfg.Engine.SLACheckInterval = 5 * time.Minute
	}
	if cfg.Engine.EscalationInterval <= 0 {
		cfg.Engine.EscalationInterval = 10 * time.Minute
	}
	if cfg.Engine.ScoringCron == "" {
		cfg.Engine.ScoringCron = "0 2 * * *"
	}
	if cfg.Engine.JobMaxAttempts <= 0 {
		cfg.Engine.JobMaxAttempts = 3
	}
	if cfg.Engine.JobBackoffBase <= 0 {
		cfg.Engine.JobBackoffBase = 5 * time.Second
	}
	if cfg.Webhook.Timeout <= 0 {
		cfg.Webhook.Timeout = 15 * time.Second
	}
	if cfg.Webhook.MaxAttempts <= 0 {
		cfg.Webhook.MaxAttempts = 3
	}
	if cfg.Webhook.BackoffBase <= 0 {
		cfg.Webhook.BackoffBase = time.Second
	}
}
