package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Pipeline.DefaultDevice != "cpu" {
		t.Fatalf("expected default device cpu, got %q", cfg.Pipeline.DefaultDevice)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "synth.yaml")
	data := []byte(`
pipeline:
  enabled: true
  command: "python3 synthesize.py"
  acoustic_config: /models/acoustic/default.yaml
  acoustic_checkpoint: /models/acoustic/snapshot_iter_11400.pdz
  acoustic_stat: /models/acoustic/feats_stats.npy
  vocoder_config: /models/vocoder/default.yaml
  vocoder_params: /models/vocoder/snapshot_iter_400000.pdz
  vocoder_stat: /models/vocoder/feats_stats.npy
  default_device: gpu
  timeout_seconds: 600
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Pipeline.Enabled {
		t.Fatal("expected pipeline enabled")
	}
	if cfg.Pipeline.DefaultDevice != "gpu" {
		t.Fatalf("expected device gpu, got %q", cfg.Pipeline.DefaultDevice)
	}
	if cfg.Pipeline.AcousticStat != "/models/acoustic/feats_stats.npy" {
		t.Fatalf("unexpected acoustic stat path: %q", cfg.Pipeline.AcousticStat)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SYNTH_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SYNTH_BUS_USERNAME", "alice")
	t.Setenv("SYNTH_BUS_PASSWORD", "secret")
	t.Setenv("SYNTH_NODE_ID", "test-node")
	t.Setenv("SYNTH_PIPELINE_ENABLED", "true")
	t.Setenv("SYNTH_PIPELINE_COMMAND", "python3 /opt/synthesize.py")
	t.Setenv("SYNTH_PIPELINE_DEFAULT_DEVICE", "gpu")
	t.Setenv("SYNTH_JOURNAL_PATH", "./tmp.db")
	t.Setenv("SYNTH_JOURNAL_RETENTION_DAYS", "7")
	t.Setenv("SYNTH_RETENTION_MODE", "latest")
	t.Setenv("SYNTH_RETENTION_KEEP", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Pipeline.Command != "python3 /opt/synthesize.py" {
		t.Fatalf("expected pipeline command override, got %q", cfg.Pipeline.Command)
	}
	if cfg.Pipeline.DefaultDevice != "gpu" {
		t.Fatalf("expected device override")
	}
	if cfg.Journal.Path != "./tmp.db" {
		t.Fatalf("expected journal path override")
	}
	if cfg.Journal.RetentionDays != 7 {
		t.Fatalf("expected retention days override")
	}
	if cfg.Retention.Mode != "latest" || cfg.Retention.Keep != 3 {
		t.Fatalf("expected retention override, got %+v", cfg.Retention)
	}
}

func TestValidateRejectsBadDevice(t *testing.T) {
	t.Setenv("SYNTH_PIPELINE_ENABLED", "true")
	t.Setenv("SYNTH_PIPELINE_DEFAULT_DEVICE", "tpu")

	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for unknown device")
	}
}
