package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type ProviderConfig struct {
	Type         string        `yaml:"type"` // 目前只有 worker
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Capabilities []string      `yaml:"capabilities"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type ProviderChoice struct {
	Primary   string   `yaml:"primary"`
	Fallbacks []string `yaml:"fallbacks"`
}

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"` // mysql | sqlite
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	DataDir string `yaml:"data_dir"`
	Logging struct {
		AppLog string `yaml:"app_log"`
	} `yaml:"logging"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	Queue struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"queue"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`
	Storage struct {
		LocalDir string        `yaml:"local_dir"`
		Mirror   bool          `yaml:"mirror"`
		Expiry   time.Duration `yaml:"expiry"`
	} `yaml:"storage"`

	Workflow struct {
		Concurrency  int                      `yaml:"concurrency"`
		EventBuffer  int                      `yaml:"event_buffer"`
		ImageTimeout time.Duration            `yaml:"image_timeout"`
		VideoTimeout time.Duration            `yaml:"video_timeout"`
		StepTimeout  time.Duration            `yaml:"step_timeout"`
		StepTimeouts map[string]time.Duration `yaml:"step_timeouts"`
	} `yaml:"workflow"`

	Providers map[string]ProviderConfig `yaml:"providers"`
	// capability -> 默认 provider 选择
	Defaults map[string]ProviderChoice `yaml:"defaults"`
}

var AppConfig *Config

// InitConfig 读取配置文件，失败直接退出
func InitConfig(path string) {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("配置文件读取失败: %v", err)
	}
	AppConfig = cfg
}

// Load 解析 YAML 并填充默认值与环境变量覆盖
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("配置文件解析失败: %w", err)
	}
	applyEnv(cfg)
	return cfg, nil
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = cfg.DataDir + "/storyflow.db"
	}
	if cfg.Logging.AppLog == "" {
		cfg.Logging.AppLog = cfg.DataDir + "/logs/app.log"
	}
	if cfg.Storage.Expiry == 0 {
		cfg.Storage.Expiry = 72 * time.Hour
	}
	if cfg.Workflow.Concurrency <= 0 {
		cfg.Workflow.Concurrency = 3
	}
	if cfg.Workflow.EventBuffer <= 0 {
		cfg.Workflow.EventBuffer = 256
	}
	if cfg.Workflow.ImageTimeout == 0 {
		cfg.Workflow.ImageTimeout = 5 * time.Minute
	}
	if cfg.Workflow.VideoTimeout == 0 {
		cfg.Workflow.VideoTimeout = 20 * time.Minute
	}
	if cfg.Workflow.StepTimeout == 0 {
		cfg.Workflow.StepTimeout = 10 * time.Minute
	}
	for name, p := range cfg.Providers {
		if p.Type == "" {
			p.Type = "worker"
		}
		if p.PollInterval == 0 {
			p.PollInterval = 3 * time.Second
		}
		cfg.Providers[name] = p
	}
}

func applyEnv(cfg *Config) {
	if dsn := os.Getenv("STORYFLOW_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if driver := os.Getenv("STORYFLOW_DB_DRIVER"); driver != "" {
		cfg.Database.Driver = driver
	}
	if addr := os.Getenv("STORYFLOW_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if n := os.Getenv("STORYFLOW_CONCURRENCY"); n != "" {
		if val, err := strconv.Atoi(n); err == nil && val > 0 {
			cfg.Workflow.Concurrency = val
		}
	}
}

// StepTimeoutFor 返回某类步骤的超时，未单独配置时使用 step_timeout。
// 生成类步骤实际执行时不会短于其各次生成调用的时限之和
func (c *Config) StepTimeoutFor(stepType string) time.Duration {
	if d, ok := c.Workflow.StepTimeouts[stepType]; ok && d > 0 {
		return d
	}
	return c.Workflow.StepTimeout
}

// APIKeys 汇总全局配置中的 provider 密钥
func (c *Config) APIKeys() map[string]string {
	keys := make(map[string]string, len(c.Providers))
	for name, p := range c.Providers {
		if p.APIKey != "" {
			keys[name] = os.ExpandEnv(p.APIKey)
		}
	}
	return keys
}
