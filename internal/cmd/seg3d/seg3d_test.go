package seg3d

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("seg3d", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.SocketAddr != ":9000" {
		t.Fatalf("expected default socket addr :9000, got %q", cfg.SocketAddr)
	}
	if cfg.AppName != "Seg3D" {
		t.Fatalf("expected default app name, got %q", cfg.AppName)
	}
	if cfg.UndoMaxItems != 100 || cfg.MaxRequeue != 8 {
		t.Fatalf("unexpected undo/requeue defaults: %d/%d", cfg.UndoMaxItems, cfg.MaxRequeue)
	}
	if cfg.ResourceTimeout != 30*time.Second {
		t.Fatalf("expected 30s resource timeout, got %s", cfg.ResourceTimeout)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "" {
		t.Fatalf("unexpected telemetry defaults: %+v", cfg.Telemetry)
	}
}

func TestParseConfigEnvAndFlags(t *testing.T) {
	t.Setenv("SEG3D_SOCKET_ADDR", "127.0.0.1:9100")
	t.Setenv("SEG3D_SCRIPT_DIR", "/tmp/scripts")
	t.Setenv("SEG3D_OTEL_ENDPOINT", "collector:4318")

	fs := flag.NewFlagSet("seg3d", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-addr", "127.0.0.1:9200", "-db", "", "-undo-items", "5"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.SocketAddr != "127.0.0.1:9200" {
		t.Fatalf("expected flag socket addr, got %q", cfg.SocketAddr)
	}
	if cfg.ScriptDir != "/tmp/scripts" {
		t.Fatalf("expected env script dir, got %q", cfg.ScriptDir)
	}
	if cfg.DBPath != "" {
		t.Fatalf("expected db disabled, got %q", cfg.DBPath)
	}
	if cfg.UndoMaxItems != 5 {
		t.Fatalf("expected 5 undo items, got %d", cfg.UndoMaxItems)
	}
	if cfg.Telemetry.Endpoint != "collector:4318" {
		t.Fatalf("expected otel endpoint from env, got %q", cfg.Telemetry.Endpoint)
	}
}

func TestParseConfigRejectsBadDuration(t *testing.T) {
	t.Setenv("SEG3D_RESOURCE_TIMEOUT", "soon")
	fs := flag.NewFlagSet("seg3d", flag.ContinueOnError)
	if _, err := ParseConfig(fs, nil); err == nil {
		t.Fatal("expected env parse error")
	}
}
