package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr         string
	CRDBDSN          string
	MongoURI         string
	RedisAddr        string
	RabbitURL        string
	JWTSecret        string
	PSPBaseURL       string
	PSPAPIKey        string
	PSPWebhookSecret string
	PSPTimeout       time.Duration
	CancelCutoff     time.Duration
	OTLPEndpoint     string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		HTTPAddr:         envOr("HTTP_ADDR", ":8080"),
		CRDBDSN:          os.Getenv("CRDB_DSN"),
		MongoURI:         os.Getenv("MONGO_URI"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RabbitURL:        os.Getenv("RABBIT_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		PSPBaseURL:       os.Getenv("PSP_BASE_URL"),
		PSPAPIKey:        os.Getenv("PSP_API_KEY"),
		PSPWebhookSecret: os.Getenv("PSP_WEBHOOK_SECRET"),
		PSPTimeout:       durationOr("PSP_TIMEOUT", 15*time.Second),
		CancelCutoff:     durationOr("CANCEL_CUTOFF", 24*time.Hour),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationOr(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d == 0 {
		return def
	}
	return d
}
