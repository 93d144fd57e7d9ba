package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr           string
	DatabaseURL    string
	CatalogPath    string
	MetricsURL     string
	MetricsTimeout time.Duration
	MetricsRetries int
	KafkaBrokers   string
	KafkaTopic     string
	ArchiveBucket  string
	ArchivePrefix  string
	AuthSecret     string
}

const (
	defaultAddr           = ":8072"
	defaultCatalogPath    = "catalog.yaml"
	defaultMetricsTimeout = 5 * time.Second
	defaultKafkaTopic     = "gate.events"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:           getEnv("GATE_ADDR", defaultAddr),
		DatabaseURL:    firstNonEmpty(os.Getenv("GATE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		CatalogPath:    getEnv("GATE_CATALOG_PATH", defaultCatalogPath),
		MetricsURL:     os.Getenv("GATE_METRICS_URL"),
		MetricsTimeout: getDuration("GATE_METRICS_TIMEOUT", defaultMetricsTimeout),
		MetricsRetries: getInt("GATE_METRICS_RETRIES", 2),
		KafkaBrokers:   os.Getenv("GATE_KAFKA_BROKERS"),
		KafkaTopic:     getEnv("GATE_KAFKA_TOPIC", defaultKafkaTopic),
		ArchiveBucket:  os.Getenv("GATE_ARCHIVE_BUCKET"),
		ArchivePrefix:  os.Getenv("GATE_ARCHIVE_PREFIX"),
		AuthSecret:     os.Getenv("GATE_AUTH_SECRET"),
	}
	if cfg.CatalogPath == "" {
		return Config{}, fmt.Errorf("GATE_CATALOG_PATH required")
	}
	if cfg.MetricsTimeout <= 0 {
		return Config{}, fmt.Errorf("GATE_METRICS_TIMEOUT must be positive")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
