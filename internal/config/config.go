// Package config содержит логику чтения конфигурации сервиса шопмарт.
package config

import (
	"flag"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса шопмарт.
type Config struct {
	RunAddress         string `env:"RUN_ADDRESS"`
	DatabaseURI        string `env:"DATABASE_URI"`
	RedisAddress       string `env:"REDIS_ADDRESS"`
	KafkaBrokers       string `env:"KAFKA_BROKERS"`
	NotifyTopic        string `env:"NOTIFY_TOPIC"`
	MailGatewayAddress string `env:"MAIL_GATEWAY_ADDRESS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения переменных окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisAddress := cfg.RedisAddress
	envKafkaBrokers := cfg.KafkaBrokers
	envNotifyTopic := cfg.NotifyTopic
	envMailGateway := cfg.MailGatewayAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddress, "c", "", "redis address for cart storage")
	flag.StringVar(&cfg.KafkaBrokers, "k", "", "comma-separated kafka brokers for notifications")
	flag.StringVar(&cfg.NotifyTopic, "t", "notifications", "kafka topic for notification events")
	flag.StringVar(&cfg.MailGatewayAddress, "m", "", "mail gateway address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}
	if envKafkaBrokers != "" {
		cfg.KafkaBrokers = envKafkaBrokers
	}
	if envNotifyTopic != "" {
		cfg.NotifyTopic = envNotifyTopic
	}
	if envMailGateway != "" {
		cfg.MailGatewayAddress = envMailGateway
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.NotifyTopic == "" {
		cfg.NotifyTopic = "notifications"
	}

	return cfg, nil
}

// BrokerList возвращает список адресов kafka-брокеров.
func (c *Config) BrokerList() []string {
	if c.KafkaBrokers == "" {
		return nil
	}

	parts := strings.Split(c.KafkaBrokers, ",")
	res := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			res = append(res, p)
		}
	}
	return res
}
