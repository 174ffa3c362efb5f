package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DispatchRadiusKm != 10 {
		t.Fatalf("expected 10km radius, got %v", cfg.DispatchRadiusKm)
	}
	if cfg.PendingTimeout != 10*time.Minute {
		t.Fatalf("expected 10m pending timeout, got %v", cfg.PendingTimeout)
	}
	if !cfg.AutoDispatch {
		t.Fatal("auto dispatch should default on")
	}
}

func TestLoadServerConfigEnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SURGE_INTERVAL", "90s")
	t.Setenv("AUTO_DISPATCH", "false")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.SurgeInterval != 90*time.Second {
		t.Fatalf("unexpected surge interval %v", cfg.SurgeInterval)
	}
	if cfg.AutoDispatch {
		t.Fatal("expected auto dispatch off")
	}
}

func TestLoadServerConfigAggregatesErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("DISPATCH_RADIUS_KM", "-1")
	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"HTTP_READ_TIMEOUT", "DISPATCH_RADIUS_KM", "JWT_SECRET"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}

func TestLoadServerConfigFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "jwt_secret: from-file\ndispatch_radius_km: 7.5\npending_timeout: 4m\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DISPATCH_RADIUS_KM", "12")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.JWTSecret != "from-file" {
		t.Fatalf("expected secret from file, got %q", cfg.JWTSecret)
	}
	if cfg.PendingTimeout != 4*time.Minute {
		t.Fatalf("expected 4m from file, got %v", cfg.PendingTimeout)
	}
	if cfg.DispatchRadiusKm != 12 {
		t.Fatalf("env should win over file, got %v", cfg.DispatchRadiusKm)
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("KAFKA_GROUP", "g1")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaGroup != "g1" || cfg.KafkaTopic != "collector-locations" {
		t.Fatalf("unexpected consumer config %+v", cfg)
	}
}
