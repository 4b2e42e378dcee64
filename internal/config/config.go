// Package config loads service configuration from a YAML file with
// environment-variable overrides. A .env file is honored when present
// so local development matches the container environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Queue     QueueConfig     `yaml:"queue"`
	Events    EventsConfig    `yaml:"events"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Providers ProvidersConfig `yaml:"providers"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type AuthConfig struct {
	JWTSecret          string `yaml:"jwt_secret"`
	AccessTokenMinutes int    `yaml:"access_token_minutes"`
	RefreshTokenDays   int    `yaml:"refresh_token_days"`
	BcryptCost         int    `yaml:"bcrypt_cost"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type QueueConfig struct {
	MaxRetries     int `yaml:"max_retries"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
	Workers        int `yaml:"workers"`
	BatchSize      int `yaml:"batch_size"`
}

type EventsConfig struct {
	BufferSize     int `yaml:"buffer_size"`
	BatchTimeoutMs int `yaml:"batch_timeout_ms"`
}

type SessionsConfig struct {
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

type ProvidersConfig struct {
	OpenAIAPIKey        string `yaml:"openai_api_key"`
	AzureAPIKey         string `yaml:"azure_api_key"`
	AzureEndpoint       string `yaml:"azure_endpoint"`
	GroqAPIKey          string `yaml:"groq_api_key"`
	AnthropicAPIKey     string `yaml:"anthropic_api_key"`
	OllamaBaseURL       string `yaml:"ollama_base_url"`
	ValidateTimeoutSecs int    `yaml:"validate_timeout_seconds"`
}

// Defaults returns a config with every tunable set to its default.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: "8000", Env: "development"},
		Auth: AuthConfig{
			AccessTokenMinutes: 30,
			RefreshTokenDays:   7,
			BcryptCost:         12,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Queue: QueueConfig{
			MaxRetries:     3,
			TimeoutSeconds: 300,
			Workers:        2,
			BatchSize:      10,
		},
		Events:    EventsConfig{BufferSize: 100, BatchTimeoutMs: 50},
		Sessions:  SessionsConfig{IdleTimeoutSeconds: 300},
		RateLimit: RateLimitConfig{RequestsPerMinute: 60},
		Workspace: WorkspaceConfig{Root: "./workspaces"},
		Providers: ProvidersConfig{
			OllamaBaseURL:       "http://localhost:11434",
			ValidateTimeoutSecs: 10,
		},
	}
}

// Load reads the YAML file at path (skipped when empty or missing) and
// then applies environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	// .env is optional; ignore the error when the file does not exist.
	_ = godotenv.Load()

	cfg := Defaults()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			decoder := yaml.NewDecoder(f)
			err = decoder.Decode(cfg)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnv(cfg)

	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret is required (set XTEAM_JWT_SECRET)")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr("PORT", &cfg.Server.Port)
	envStr("XTEAM_ENV", &cfg.Server.Env)
	envStr("XTEAM_JWT_SECRET", &cfg.Auth.JWTSecret)
	envInt("XTEAM_ACCESS_TOKEN_MINUTES", &cfg.Auth.AccessTokenMinutes)
	envInt("XTEAM_REFRESH_TOKEN_DAYS", &cfg.Auth.RefreshTokenDays)
	envInt("XTEAM_BCRYPT_COST", &cfg.Auth.BcryptCost)
	envStr("REDIS_ADDR", &cfg.Redis.Addr)
	envStr("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_DB", &cfg.Redis.DB)
	envStr("DATABASE_DSN", &cfg.Database.DSN)
	envInt("XTEAM_QUEUE_MAX_RETRIES", &cfg.Queue.MaxRetries)
	envInt("XTEAM_QUEUE_TIMEOUT_SECONDS", &cfg.Queue.TimeoutSeconds)
	envInt("XTEAM_QUEUE_WORKERS", &cfg.Queue.Workers)
	envInt("XTEAM_EVENT_BUFFER_SIZE", &cfg.Events.BufferSize)
	envInt("XTEAM_EVENT_BATCH_TIMEOUT_MS", &cfg.Events.BatchTimeoutMs)
	envInt("XTEAM_IDLE_SESSION_TIMEOUT_SECONDS", &cfg.Sessions.IdleTimeoutSeconds)
	envInt("XTEAM_RATE_LIMIT_RPM", &cfg.RateLimit.RequestsPerMinute)
	envStr("XTEAM_WORKSPACE_ROOT", &cfg.Workspace.Root)
	envStr("OPENAI_API_KEY", &cfg.Providers.OpenAIAPIKey)
	envStr("AZURE_OPENAI_API_KEY", &cfg.Providers.AzureAPIKey)
	envStr("AZURE_OPENAI_ENDPOINT", &cfg.Providers.AzureEndpoint)
	envStr("GROQ_API_KEY", &cfg.Providers.GroqAPIKey)
	envStr("ANTHROPIC_API_KEY", &cfg.Providers.AnthropicAPIKey)
	envStr("OLLAMA_BASE_URL", &cfg.Providers.OllamaBaseURL)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
