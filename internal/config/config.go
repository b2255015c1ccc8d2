package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Temporal  TemporalConfig  `yaml:"temporal" mapstructure:"temporal"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai" mapstructure:"openai"`
	Resend    ResendConfig    `yaml:"resend" mapstructure:"resend"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres | sqlite
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AppBaseURL     string   `yaml:"app_base_url" mapstructure:"app_base_url"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// TemporalConfig configures the durable workflow substrate.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// OpenAIConfig holds OpenAI-compatible API settings.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ResendConfig holds the email delivery settings.
type ResendConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	From    string `yaml:"from" mapstructure:"from"`
	ReplyTo string `yaml:"reply_to" mapstructure:"reply_to"`
}

// StageConfig sets the provider call parameters for one pipeline stage.
type StageConfig struct {
	Provider        string  `yaml:"provider" mapstructure:"provider"` // anthropic | openai
	Model           string  `yaml:"model" mapstructure:"model"`
	MaxOutputTokens int64   `yaml:"max_output_tokens" mapstructure:"max_output_tokens"`
	Temperature     float64 `yaml:"temperature" mapstructure:"temperature"`
	ReasoningEffort string  `yaml:"reasoning_effort" mapstructure:"reasoning_effort"` // "", low, medium, high
	TimeoutSecs     int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts     int     `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// Timeout returns the per-call timeout as a duration.
func (s StageConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

// PipelineConfig configures the four stages and shared provider limits.
type PipelineConfig struct {
	Stage1 StageConfig `yaml:"stage1" mapstructure:"stage1"`
	Stage2 StageConfig `yaml:"stage2" mapstructure:"stage2"`
	Stage3 StageConfig `yaml:"stage3" mapstructure:"stage3"`
	Stage4 StageConfig `yaml:"stage4" mapstructure:"stage4"`

	// ProviderRequestsPerMinute rate-limits outbound LLM calls across stages.
	ProviderRequestsPerMinute int `yaml:"provider_requests_per_minute" mapstructure:"provider_requests_per_minute"`
}

// Stage returns the configuration for stage n (1-4).
func (p PipelineConfig) Stage(n int) StageConfig {
	switch n {
	case 1:
		return p.Stage1
	case 2:
		return p.Stage2
	case 3:
		return p.Stage3
	default:
		return p.Stage4
	}
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config file, and environment.
func Load() (*Config, error) {
	// Optional .env for local development; real env vars win.
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DEPLOYAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.app_base_url", "https://deployai.studio")
	v.SetDefault("server.allowed_origins", []string{"https://deployai.studio"})

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "report-pipeline")

	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("resend.from", "DeployAI <reports@deployai.studio>")

	v.SetDefault("pipeline.provider_requests_per_minute", 30)

	// Later stages write longer output, so they get larger ceilings and
	// timeouts.
	v.SetDefault("pipeline.stage1.provider", "anthropic")
	v.SetDefault("pipeline.stage1.model", "claude-haiku-4-5-20251001")
	v.SetDefault("pipeline.stage1.max_output_tokens", 2048)
	v.SetDefault("pipeline.stage1.temperature", 0.2)
	v.SetDefault("pipeline.stage1.timeout_secs", 60)
	v.SetDefault("pipeline.stage1.max_attempts", 3)

	v.SetDefault("pipeline.stage2.provider", "openai")
	v.SetDefault("pipeline.stage2.model", "gpt-4o")
	v.SetDefault("pipeline.stage2.max_output_tokens", 4096)
	v.SetDefault("pipeline.stage2.temperature", 0.4)
	v.SetDefault("pipeline.stage2.reasoning_effort", "medium")
	v.SetDefault("pipeline.stage2.timeout_secs", 120)
	v.SetDefault("pipeline.stage2.max_attempts", 3)

	v.SetDefault("pipeline.stage3.provider", "anthropic")
	v.SetDefault("pipeline.stage3.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("pipeline.stage3.max_output_tokens", 4096)
	v.SetDefault("pipeline.stage3.temperature", 0.3)
	v.SetDefault("pipeline.stage3.timeout_secs", 120)
	v.SetDefault("pipeline.stage3.max_attempts", 3)

	v.SetDefault("pipeline.stage4.provider", "anthropic")
	v.SetDefault("pipeline.stage4.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("pipeline.stage4.max_output_tokens", 8192)
	v.SetDefault("pipeline.stage4.temperature", 0.5)
	v.SetDefault("pipeline.stage4.timeout_secs", 240)
	v.SetDefault("pipeline.stage4.max_attempts", 3)
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
