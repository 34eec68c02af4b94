package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.KafkaTopic != "ride-changes" || cfg.RedisRidesKey != "open_rides_geo" {
		t.Errorf("topic=%q key=%q", cfg.KafkaTopic, cfg.RedisRidesKey)
	}
	if cfg.FeedBuffer != 64 || cfg.NearbyLimit != 20 {
		t.Errorf("buffer=%d limit=%d", cfg.FeedBuffer, cfg.NearbyLimit)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("HTTP_READ_TIMEOUT", "30s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("FEED_BUFFER", "128")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout = %s", cfg.ReadTimeout)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.FeedBuffer != 128 {
		t.Errorf("FeedBuffer = %d", cfg.FeedBuffer)
	}
	if !cfg.RunMigrations {
		t.Error("MIGRATE=TRUE should enable migrations")
	}
}

func TestInvalidValuesAccumulate(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "not-a-duration")
	t.Setenv("FEED_BUFFER", "zero")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected joined errors")
	}
}
