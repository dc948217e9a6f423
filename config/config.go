package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	App          AppConfig          `envPrefix:"APP_"`
	Server       ServerConfig       `envPrefix:"SERVER_"`
	Log          LogConfig          `envPrefix:"LOG_"`
	Database     DatabaseConfig     `envPrefix:"DATABASE_"`
	JWT          JWTConfig          `envPrefix:"JWT_"`
	RefreshToken RefreshTokenConfig `envPrefix:"REFRESH_TOKEN_"`
	Cookie       CookieConfig       `envPrefix:"COOKIE_"`
	TOTP         TOTPConfig         `envPrefix:"TOTP_"`
	Mail         MailConfig         `envPrefix:"MAIL_"`
	Redis        RedisConfig        `envPrefix:"REDIS_"`
}

type AppConfig struct {
	Name string `env:"NAME" envDefault:"castellan Application"`
	URL  string `env:"URL" envDefault:"http://localhost:8080"`
}

type ServerConfig struct {
	Port           string   `env:"PORT" envDefault:"8080"`
	Host           string   `env:"HOST" envDefault:"localhost"`
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
	Output string `env:"OUTPUT" envDefault:"stdout"`
}

type DatabaseConfig struct {
	Driver      string        `env:"DRIVER" envDefault:"sqlite"`
	DSN         string        `env:"DSN" envDefault:"app.db"`
	AutoMigrate bool          `env:"AUTO_MIGRATE" envDefault:"true"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"5s"`
}

type JWTConfig struct {
	SecretKey    string        `env:"SECRET_KEY"`
	Algorithm    string        `env:"ALGORITHM" envDefault:"HS256"`
	AccessExpiry time.Duration `env:"ACCESS_EXPIRY" envDefault:"15m"`
	Issuer       string        `env:"ISSUER" envDefault:"castellan"`
}

type RefreshTokenConfig struct {
	Expiry          time.Duration `env:"EXPIRY" envDefault:"168h"`
	TokenLength     int           `env:"TOKEN_LENGTH" envDefault:"32"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
	AuditRetention  time.Duration `env:"AUDIT_RETENTION" envDefault:"720h"`
}

type CookieConfig struct {
	Mode        string `env:"MODE" envDefault:"development"`
	AccessName  string `env:"ACCESS_NAME" envDefault:"access_token"`
	RefreshName string `env:"REFRESH_NAME" envDefault:"refresh_token"`
	Domain      string `env:"DOMAIN"`
	Path        string `env:"PATH" envDefault:"/"`
}

type TOTPConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"false"`
	Issuer  string `env:"ISSUER" envDefault:"castellan Application"`
}

type MailConfig struct {
	Host        string `env:"HOST" envDefault:"localhost"`
	Port        int    `env:"PORT" envDefault:"587"`
	Username    string `env:"USERNAME"`
	Password    string `env:"PASSWORD"`
	Encryption  string `env:"ENCRYPTION" envDefault:"starttls"`
	FromAddress string `env:"FROM_ADDRESS"`
	FromName    string `env:"FROM_NAME"`
}

type RedisConfig struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

func LoadConfig(cfg any) error {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found: %v", err)
	}

	if err := env.Parse(cfg); err != nil {
		return err
	}

	if c, ok := cfg.(*Config); ok {
		return c.Validate()
	}

	return nil
}

func (c *Config) Validate() error {
	if err := validateJWTConfig(&c.JWT); err != nil {
		return err
	}
	if err := validateRefreshTokenConfig(&c.RefreshToken); err != nil {
		return err
	}
	return validateCookieConfig(&c.Cookie)
}

var weakSecretPatterns = []string{
	"password", "secret", "test", "example", "default", "change",
	"123456", "qwerty", "admin",
}

func validateJWTConfig(cfg *JWTConfig) error {
	if len(cfg.SecretKey) < 32 {
		return fmt.Errorf("JWT secret key must be at least 32 characters long")
	}

	lowered := strings.ToLower(cfg.SecretKey)
	for _, pattern := range weakSecretPatterns {
		if strings.Contains(lowered, pattern) {
			return fmt.Errorf("JWT secret key contains weak patterns (found %q)", pattern)
		}
	}

	if cfg.Algorithm != "HS256" {
		return fmt.Errorf("unsupported JWT algorithm: %s (only HS256 is supported)", cfg.Algorithm)
	}

	return nil
}

func validateRefreshTokenConfig(cfg *RefreshTokenConfig) error {
	if cfg.TokenLength < 16 {
		return fmt.Errorf("refresh token length must be at least 16 bytes")
	}
	if cfg.TokenLength > 128 {
		return fmt.Errorf("refresh token length cannot exceed 128 bytes")
	}
	if cfg.Expiry <= 0 {
		return fmt.Errorf("refresh token expiry must be positive")
	}
	return nil
}

func validateCookieConfig(cfg *CookieConfig) error {
	switch cfg.Mode {
	case "production", "development":
		return nil
	default:
		return fmt.Errorf("cookie mode must be: production or development (got %q)", cfg.Mode)
	}
}
