package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"StoryBeat-server/planner"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type ProviderLimits struct {
	MaxInFlight   int     `yaml:"max_in_flight"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Worker struct {
		Addr string `yaml:"addr"`
	} `yaml:"worker"`
	Veo struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	} `yaml:"veo"`
	MinIO struct {
		Endpoint  string        `yaml:"endpoint"`
		AccessKey string        `yaml:"access_key"`
		SecretKey string        `yaml:"secret_key"`
		Bucket    string        `yaml:"bucket"`
		UseSSL    bool          `yaml:"use_ssl"`
		URLExpiry time.Duration `yaml:"url_expiry"`
	} `yaml:"minio"`
	Orchestrator struct {
		MaxRetries           int           `yaml:"max_retries"`
		BackoffBase          time.Duration `yaml:"backoff_base"`
		BackoffMax           time.Duration `yaml:"backoff_max"`
		PollInterval         time.Duration `yaml:"poll_interval"`
		JobTimeout           time.Duration `yaml:"job_timeout"`
		Concurrency          int           `yaml:"concurrency"`
		ReconcileLateResults *bool         `yaml:"reconcile_late_results"`
	} `yaml:"orchestrator"`
	Providers     map[string]ProviderLimits `yaml:"providers"`
	Pricing       planner.Pricing           `yaml:"pricing"`
	TemplatesFile string                    `yaml:"templates_file"`
	Log           struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load 读取 YAML 配置，再用 .env / 环境变量覆盖密钥类配置
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("读取 .env 失败", "error", err)
	}

	cfg := &Config{}
	b, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Warn("配置文件不存在，使用默认配置", "path", path)
	case err != nil:
		return nil, fmt.Errorf("配置文件读取失败: %w", err)
	default:
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("配置文件解析失败: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.MySQL.DSN, "MYSQL_DSN")
	override(&c.Redis.Addr, "REDIS_ADDR")
	override(&c.Redis.Password, "REDIS_PASSWORD")
	override(&c.Worker.Addr, "WORKER_ADDR")
	override(&c.Veo.APIKey, "GEMINI_API_KEY")
	override(&c.MinIO.AccessKey, "MINIO_ACCESS_KEY")
	override(&c.MinIO.SecretKey, "MINIO_SECRET_KEY")
	override(&c.Server.Port, "PORT")
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if !strings.HasPrefix(c.Server.Port, ":") && !strings.Contains(c.Server.Port, ":") {
		c.Server.Port = ":" + c.Server.Port
	}
	if c.Veo.Model == "" {
		c.Veo.Model = "veo-3.0-generate-001"
	}
	if c.MinIO.Bucket == "" {
		c.MinIO.Bucket = "storybeat"
	}
	if c.MinIO.URLExpiry <= 0 {
		c.MinIO.URLExpiry = 72 * time.Hour
	}

	o := &c.Orchestrator
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 10 * time.Minute
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.ReconcileLateResults == nil {
		on := true
		o.ReconcileLateResults = &on
	}

	if c.Providers == nil {
		c.Providers = map[string]ProviderLimits{}
	}
	c.Pricing = planner.DefaultPricing().Merge(c.Pricing)
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.Orchestrator.BackoffMax < c.Orchestrator.BackoffBase {
		return fmt.Errorf("orchestrator.backoff_max (%s) is smaller than backoff_base (%s)", c.Orchestrator.BackoffMax, c.Orchestrator.BackoffBase)
	}
	for name, l := range c.Providers {
		if l.MaxInFlight < 0 || l.RatePerSecond < 0 {
			return fmt.Errorf("providers.%s: limits must not be negative", name)
		}
	}
	return nil
}

// LogLevel 解析日志级别，未知值按 info 处理
func (c *Config) LogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
