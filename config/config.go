package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	RedisURL      string
	AblyAPIKey    string
	AblyQueueName string
	ListenAddr    string
	MetricsAddr   string
	Debug         bool
}

// Load reads configuration from the environment, after loading a .env
// file if one is present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		RedisURL:      os.Getenv("REDIS_URL"),
		AblyAPIKey:    os.Getenv("ABLY_API_KEY"),
		AblyQueueName: os.Getenv("ABLY_QUEUE_NAME"),
		ListenAddr:    getenv("LISTEN_ADDR", ":5001"),
		MetricsAddr:   getenv("METRICS_ADDR", ":9091"),
		Debug:         os.Getenv("DEBUG") != "",
	}
	if cfg.RedisURL == "" {
		return cfg, fmt.Errorf("REDIS_URL is not set")
	}
	if cfg.AblyAPIKey == "" {
		return cfg, fmt.Errorf("ABLY_API_KEY is not set")
	}
	if cfg.AblyQueueName == "" {
		return cfg, fmt.Errorf("ABLY_QUEUE_NAME is not set")
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
