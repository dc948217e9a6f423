package testutils

import (
	"time"

	"github.com/castellanauth/castellan/config"
)

// GetTestConfig returns a fully populated configuration suitable for unit
// tests: short-lived tokens, in-memory SQLite, development cookies.
func GetTestConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{
			Name: "Test App",
			URL:  "http://localhost:8080",
		},
		Server: config.ServerConfig{
			Host: "localhost",
			Port: "8080",
		},
		Database: config.DatabaseConfig{
			Driver:      "sqlite",
			DSN:         ":memory:",
			AutoMigrate: true,
			Timeout:     5 * time.Second,
		},
		JWT: config.JWTConfig{
			SecretKey:    "0f8fad5bd9cb469fa165b7aa07a7f299",
			Algorithm:    "HS256",
			AccessExpiry: 15 * time.Minute,
			Issuer:       "castellan-tests",
		},
		RefreshToken: config.RefreshTokenConfig{
			Expiry:          168 * time.Hour,
			TokenLength:     32,
			CleanupInterval: time.Hour,
			AuditRetention:  720 * time.Hour,
		},
		Cookie: config.CookieConfig{
			Mode:        "development",
			AccessName:  "access_token",
			RefreshName: "refresh_token",
			Path:        "/",
		},
		TOTP: config.TOTPConfig{
			Enabled: true,
			Issuer:  "Test App",
		},
		Log: config.LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Mail: config.MailConfig{
			Host:        "localhost",
			Port:        587,
			Encryption:  "starttls",
			FromAddress: "noreply@example.com",
			FromName:    "Test App",
		},
		Redis: config.RedisConfig{
			Addr: "localhost:6379",
		},
	}
}
