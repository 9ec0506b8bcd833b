package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port               string
	DatabaseURL        string
	AIAPIKey           string
	SSEHeartbeat       time.Duration
	RateLimitPerMinute int
	RateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:               port,
		DatabaseURL:        os.Getenv("DB_DSN"),
		AIAPIKey:           os.Getenv("AI_API_KEY"),
		SSEHeartbeat:       readDurationSeconds("SSE_HEARTBEAT_SECONDS", 25),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 300),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 60),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
