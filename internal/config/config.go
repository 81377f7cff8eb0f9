package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL" envDefault:"conversion_backend.db"`
	APIPort     string `env:"API_PORT" envDefault:"8001"`

	// DataDir backs the local object store when no S3 endpoint is configured.
	DataDir string `env:"DATA_DIR" envDefault:"./data"`

	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	S3Bucket          string `env:"S3_BUCKET" envDefault:"conversion-data"`

	// RabbitMQURL is optional; when set, terminal task events are published to
	// the conversion_events queue.
	RabbitMQURL string `env:"RABBITMQ_URL"`

	ConverterBinary string `env:"CONVERTER_BINARY" envDefault:"rknn_convert"`

	WorkerConcurrency int           `env:"CONCURRENCY" envDefault:"2"`
	QueueDepth        int           `env:"QUEUE_DEPTH" envDefault:"64"`
	NotifyTimeout     time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"30s"`
}

// UseS3 reports whether the object store should be backed by S3 rather than
// the local filesystem.
func (c *Config) UseS3() bool {
	return c.S3EndpointURL != "" || c.S3AccessKeyID != ""
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
