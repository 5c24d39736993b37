package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POWER_TERMINAL_PROPERTIES_PATH", filepath.Join(t.TempDir(), "missing.properties"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ListenAddress != ":8085" {
		t.Fatalf("listen address mismatch: %s", cfg.ListenAddress)
	}
	if cfg.CycleInterval != 120*time.Second || cfg.UploadWindow != 20*time.Second {
		t.Fatalf("cycle geometry mismatch: %v/%v", cfg.CycleInterval, cfg.UploadWindow)
	}
	if cfg.TimeSlots != 3 {
		t.Fatalf("time slots mismatch: %d", cfg.TimeSlots)
	}
	if len(cfg.EngineCommand) != 3 || cfg.EngineCommand[0] != "java" {
		t.Fatalf("engine command mismatch: %v", cfg.EngineCommand)
	}
	if len(cfg.KafkaBrokers) != 0 || cfg.MQTTBroker != "" {
		t.Fatal("optional transports must stay disabled by default")
	}
}

func TestLoadPropertiesFileOverridesDefaults(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "coordinator.properties")
	body := "# local overrides\n" +
		"cycle_interval_s=60\n" +
		"upload_window_s=10\n" +
		"time_slots=4\n" +
		"engine_command=/usr/local/bin/optimizer --quiet\n" +
		"kafka_brokers=kafka-1:9092, kafka-2:9092\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write properties: %v", err)
	}
	t.Setenv("POWER_TERMINAL_PROPERTIES_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.CycleInterval != 60*time.Second || cfg.UploadWindow != 10*time.Second {
		t.Fatalf("cycle geometry mismatch: %v/%v", cfg.CycleInterval, cfg.UploadWindow)
	}
	if cfg.TimeSlots != 4 {
		t.Fatalf("time slots mismatch: %d", cfg.TimeSlots)
	}
	if len(cfg.EngineCommand) != 2 || cfg.EngineCommand[1] != "--quiet" {
		t.Fatalf("engine command mismatch: %v", cfg.EngineCommand)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("brokers mismatch: %v", cfg.KafkaBrokers)
	}
}

func TestLoadEnvOverridesProperties(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "coordinator.properties")
	if err := os.WriteFile(path, []byte("cycle_interval_s=60\n"), 0o644); err != nil {
		t.Fatalf("write properties: %v", err)
	}
	t.Setenv("POWER_TERMINAL_PROPERTIES_PATH", path)
	t.Setenv("CYCLE_INTERVAL_S", "90")
	t.Setenv("TIME_SLOTS", "6")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.CycleInterval != 90*time.Second {
		t.Fatalf("environment must win over the file, got %v", cfg.CycleInterval)
	}
	if cfg.TimeSlots != 6 {
		t.Fatalf("time slots mismatch: %d", cfg.TimeSlots)
	}
}

func TestLoadRejectsWindowNotShorterThanCycle(t *testing.T) {
	t.Setenv("POWER_TERMINAL_PROPERTIES_PATH", filepath.Join(t.TempDir(), "missing.properties"))
	t.Setenv("CYCLE_INTERVAL_S", "20")
	t.Setenv("UPLOAD_WINDOW_S", "20")
	if _, err := Load(); err == nil {
		t.Fatal("expected a validation error for window >= interval")
	}
}

func TestLoadRejectsMalformedPropertiesLine(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "coordinator.properties")
	if err := os.WriteFile(path, []byte("no separator here\n"), 0o644); err != nil {
		t.Fatalf("write properties: %v", err)
	}
	t.Setenv("POWER_TERMINAL_PROPERTIES_PATH", path)
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a malformed line")
	}
}
