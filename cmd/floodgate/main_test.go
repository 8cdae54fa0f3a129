package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/floodgate-core/internal/device"
	"github.com/nerrad567/floodgate-core/internal/health"
	"github.com/nerrad567/floodgate-core/internal/infrastructure/config"
	"github.com/nerrad567/floodgate-core/internal/infrastructure/logging"
)

func testLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "error"}, "test", io.Discard)
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("FLOODGATE_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingSiteID verifies run fails before touching the network when
// the config does not validate.
func TestRun_MissingSiteID(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
site:
  id: ""
database:
  path: "` + filepath.Join(t.TempDir(), "test.db") + `"
mqtt:
  broker:
    host: "127.0.0.1"
    port: 19999
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("FLOODGATE_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with empty site id")
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("FLOODGATE_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("FLOODGATE_CONFIG", "/custom/path/config.yaml")
	if got := getConfigPath(); got != "/custom/path/config.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}
}

func TestBuildProbers(t *testing.T) {
	cfg := config.Default().Health
	cfg.ProbeTimeout = 2 * time.Second
	cfg.Classes["speaker"] = config.SweepClassConfig{Enabled: false, Port: 80}

	probers := buildProbers(cfg)

	if _, ok := probers[device.ClassSpeaker]; ok {
		t.Error("prober built for a disabled class")
	}
	tcp, ok := probers[device.ClassSensor].(*health.TCPProber)
	if !ok {
		t.Fatalf("sensor prober = %T, want *health.TCPProber", probers[device.ClassSensor])
	}
	if tcp.Timeout != 2*time.Second || tcp.Port != cfg.Classes["sensor"].Port {
		t.Errorf("sensor prober = %+v", tcp)
	}
	httpProber, ok := probers[device.ClassCamera].(*health.HTTPProber)
	if !ok {
		t.Fatalf("camera prober = %T, want *health.HTTPProber", probers[device.ClassCamera])
	}
	if httpProber.Path != "/" {
		t.Errorf("camera path = %q", httpProber.Path)
	}
}

func TestConnectInflux_Disabled(t *testing.T) {
	client, err := connectInflux(config.InfluxDBConfig{Enabled: false}, testLogger())
	if err != nil || client != nil {
		t.Errorf("connectInflux(disabled) = (%v, %v), want (nil, nil)", client, err)
	}
}

func TestCoreStop_Partial(t *testing.T) {
	// A core that failed halfway through startCore must stop cleanly.
	c := &core{}
	c.stop(testLogger())
}
