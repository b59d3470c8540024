// Package config loads gateway configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the gateway configuration.
type Config struct {
	ListenAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NatsURL  string
	NatsUser string
	NatsPass string

	JWKSURL     string
	TokenIssuer string
	// AuthTimeout bounds how long an unauthenticated socket may sit before
	// presenting a token.
	AuthTimeout time.Duration

	// Inbound client-event budget, enforced per user with a sliding window.
	EventLimit  int
	EventWindow time.Duration

	// WriteBuffer is the per-connection outbound queue depth; a full
	// buffer marks the connection dead.
	WriteBuffer int
}

func Load() Config {
	return Config{
		ListenAddr:    envOrDefault("LISTEN_ADDR", ":8090"),
		RedisAddr:     envOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envOrDefault("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),
		NatsURL:       envOrDefault("NATS_URL", "nats://localhost:4222"),
		NatsUser:      envOrDefault("NATS_USER", "realtime-gateway"),
		NatsPass:      envOrDefault("NATS_PASS", "realtime-gateway-secret"),
		JWKSURL:       envOrDefault("JWKS_URL", "http://localhost:8080/realms/sevadaan/protocol/openid-connect/certs"),
		TokenIssuer:   envOrDefault("TOKEN_ISSUER", ""),
		AuthTimeout:   envDuration("AUTH_TIMEOUT", 10*time.Second),
		EventLimit:    envInt("EVENT_LIMIT", 60),
		EventWindow:   envDuration("EVENT_WINDOW", time.Minute),
		WriteBuffer:   envInt("WRITE_BUFFER", 256),
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
