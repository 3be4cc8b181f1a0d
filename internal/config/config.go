package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Studio   StudioConfig   `mapstructure:"studio"`
	Describe DescribeConfig `mapstructure:"describe"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Log      LogConfig      `mapstructure:"log"`
	Session  SessionConfig  `mapstructure:"session"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
}

// BackendConfig 图像生成后端
type BackendConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	GenerateTimeout time.Duration `mapstructure:"generate_timeout"`
}

type StudioConfig struct {
	StepIncrement   int    `mapstructure:"step_increment"`
	LineWidth       int    `mapstructure:"line_width"`
	PreviewMaxSize  int    `mapstructure:"preview_max_size"`
	DefaultTitle    string `mapstructure:"default_title"`
	EventBufferSize int    `mapstructure:"event_buffer_size"`
	MaxSourcePixels int64  `mapstructure:"max_source_pixels"`
}

// DescribeConfig 图生文提供方：backend 使用 /api/img2prompt，openai 使用视觉模型
type DescribeConfig struct {
	Provider string       `mapstructure:"provider"`
	OpenAI   OpenAIConfig `mapstructure:"openai"`
}

type OpenAIConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Prompt    string        `mapstructure:"prompt"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SessionConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type StorageConfig struct {
	Type           string        `mapstructure:"type"`
	DataDir        string        `mapstructure:"data_dir"`
	CacheSize      int           `mapstructure:"cache_size"`
	BackupInterval time.Duration `mapstructure:"backup_interval"`
	Redis          RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

var cfg *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.max_header_bytes", 1<<20)
	v.SetDefault("server.max_upload_bytes", 32<<20)

	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("backend.generate_timeout", 10*time.Minute)

	v.SetDefault("studio.step_increment", 10)
	v.SetDefault("studio.line_width", 20)
	v.SetDefault("studio.preview_max_size", 256)
	v.SetDefault("studio.default_title", "新画布")
	v.SetDefault("studio.event_buffer_size", 32)
	v.SetDefault("studio.max_source_pixels", 4096*4096)

	v.SetDefault("describe.provider", "backend")
	v.SetDefault("describe.openai.model", "gpt-4o-mini")
	v.SetDefault("describe.openai.max_tokens", 120)
	v.SetDefault("describe.openai.timeout", 60*time.Second)
	v.SetDefault("describe.openai.prompt", "Describe this image as a concise Stable Diffusion prompt. Reply with the prompt only.")

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Origin", "Content-Type", "Accept"})
	v.SetDefault("cors.max_age", 3600)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.cleanup_interval", time.Hour)

	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.cache_size", 100)
	v.SetDefault("storage.backup_interval", 0)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.key_prefix", "purepale")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load 读取配置。configPath 为空或文件不存在时只使用默认值与环境变量。
func Load(configPath string) (*Config, error) {
	// .env 仅补充未设置的环境变量
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PUREPALE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// 配置文件优先，未设置时回退到通用环境变量
	if c.Describe.OpenAI.APIKey == "" {
		c.Describe.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	cfg = c
	return c, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "memory", "disk", "redis":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	switch c.Describe.Provider {
	case "backend", "openai", "none":
	default:
		return fmt.Errorf("unknown describe provider %q", c.Describe.Provider)
	}
	if c.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required")
	}
	if c.Studio.StepIncrement <= 0 {
		return fmt.Errorf("studio.step_increment must be positive, got %d", c.Studio.StepIncrement)
	}
	if c.Studio.LineWidth <= 0 {
		return fmt.Errorf("studio.line_width must be positive, got %d", c.Studio.LineWidth)
	}
	return nil
}

func Get() *Config {
	return cfg
}
