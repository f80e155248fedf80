package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the immutable process configuration. It is constructed once at
// startup and passed into each component's constructor.
type Config struct {
	AppEnv            string
	ListenAddr        string
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
	JWTPublicKey      string // base64-encoded RSA PEM
	AuthorityURL      string
	NodeName          string
	LogLevel          string

	// Provenance side-store. Backend is "redis" or "postgres".
	StoreBackend string
	RedisAddr    string
	RedisPass    string
	RedisDB      int
	PostgresDSN  string

	// Message bus. Backend is "amqp", "kafka" or "redis-stream".
	BusBackend string
	BusAddr    string
	BusTopic   string
}

// Load reads configuration from the environment. Every gateway option is
// required; a partially configured process does not start.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:       os.Getenv("APP_ENV"),
		ListenAddr:   os.Getenv("LISTEN_ADDR"),
		JWTPublicKey: os.Getenv("JWT_PUBLIC_KEY"),
		AuthorityURL: os.Getenv("AUTHORITY_URL"),
		NodeName:     os.Getenv("NODE_NAME"),
		LogLevel:     os.Getenv("LOG_LEVEL"),
		StoreBackend: os.Getenv("STORE_BACKEND"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RedisPass:    os.Getenv("REDIS_PASSWORD"),
		PostgresDSN:  os.Getenv("POSTGRES_DSN"),
		BusBackend:   os.Getenv("BUS_BACKEND"),
		BusAddr:      os.Getenv("BUS_ADDR"),
		BusTopic:     os.Getenv("BUS_TOPIC"),
	}

	var err error
	cfg.HeartbeatInterval, err = requireMillis("HEARTBEAT_INTERVAL")
	if err != nil {
		return nil, err
	}
	cfg.ClientTimeout, err = requireMillis("CLIENT_TIMEOUT")
	if err != nil {
		return nil, err
	}
	if cfg.ClientTimeout <= cfg.HeartbeatInterval {
		return nil, fmt.Errorf("CLIENT_TIMEOUT (%s) must exceed HEARTBEAT_INTERVAL (%s)",
			cfg.ClientTimeout, cfg.HeartbeatInterval)
	}

	if v := os.Getenv("REDIS_DB"); v != "" {
		cfg.RedisDB, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
	}

	required := map[string]string{
		"LISTEN_ADDR":    cfg.ListenAddr,
		"JWT_PUBLIC_KEY": cfg.JWTPublicKey,
		"AUTHORITY_URL":  cfg.AuthorityURL,
		"NODE_NAME":      cfg.NodeName,
		"STORE_BACKEND":  cfg.StoreBackend,
		"BUS_BACKEND":    cfg.BusBackend,
		"BUS_ADDR":       cfg.BusAddr,
		"BUS_TOPIC":      cfg.BusTopic,
	}
	for name, v := range required {
		if v == "" {
			return nil, fmt.Errorf("missing required environment variable %s", name)
		}
	}

	switch cfg.StoreBackend {
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("STORE_BACKEND=redis requires REDIS_ADDR")
		}
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("STORE_BACKEND=postgres requires POSTGRES_DSN")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	switch cfg.BusBackend {
	case "amqp", "kafka", "redis-stream":
	default:
		return nil, fmt.Errorf("unknown BUS_BACKEND %q", cfg.BusBackend)
	}

	return cfg, nil
}

func requireMillis(name string) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, fmt.Errorf("missing required environment variable %s", name)
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
