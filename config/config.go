package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ServerConfig holds all configuration for the authorization subsystem.
// Backend choices are explicit values here so that deployments and tests see
// exactly which store is active; nothing downstream sniffs the environment.
type ServerConfig struct {
	HTTPAddr   string `mapstructure:"HTTP_ADDR"`
	BaseURL    string `mapstructure:"BASE_URL"`
	ConsentURL string `mapstructure:"CONSENT_URL"`

	Issuer            string `mapstructure:"ISSUER"`
	JWTSecretKey      string `mapstructure:"JWT_SECRET_KEY"`
	SessionKeySecret  string `mapstructure:"SESSION_KEY_SECRET"`
	AccessTokenTTLDay int    `mapstructure:"ACCESS_TOKEN_TTL_DAY"`
	SessionTTLHour    int    `mapstructure:"SESSION_TTL_HOUR"`

	// SessionBackend and PendingBackend are "memory" or "redis".
	SessionBackend string `mapstructure:"SESSION_BACKEND"`
	PendingBackend string `mapstructure:"PENDING_BACKEND"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	RedisPrefix   string `mapstructure:"REDIS_PREFIX"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`
}

// LoadConfig reads configuration from file, environment variables, and defaults.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("/etc/mcpauth/")
	v.AddConfigPath("$HOME/.mcpauth")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("BASE_URL", "http://localhost:8080")
	v.SetDefault("CONSENT_URL", "http://localhost:3000/consent")
	v.SetDefault("ISSUER", "http://localhost:8080")
	v.SetDefault("JWT_SECRET_KEY", "a_very_secret_jwt_key_change_me") // CHANGE IN PRODUCTION
	v.SetDefault("SESSION_KEY_SECRET", "a_session_key_secret_change_me")
	v.SetDefault("ACCESS_TOKEN_TTL_DAY", 30)
	v.SetDefault("SESSION_TTL_HOUR", 8)
	v.SetDefault("SESSION_BACKEND", "memory")
	v.SetDefault("PENDING_BACKEND", "memory")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PREFIX", "mcpauth")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env vars apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &cfg, nil
}
