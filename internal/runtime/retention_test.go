package runtime

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/soniqlabs/synth-core/internal/config"
	"github.com/soniqlabs/synth-core/internal/journal"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func makeRunDir(t *testing.T, root, name string) string {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", name, err)
	}
	return path
}

func listDirs(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read output root: %v", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names
}

func TestRetainBestPrunesWorseRunDirs(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "output")

	cfg := config.Default()
	cfg.Pipeline.Enabled = true
	cfg.Pipeline.OutputRoot = root
	cfg.Retention.Mode = "best"
	cfg.Retention.Keep = 1

	store, err := journal.Open(context.Background(), config.JournalConfig{
		Path:          filepath.Join(dir, "journal.db"),
		RetentionMode: "persistent",
	}, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	base := time.Now().Add(-time.Hour)
	runs := []struct {
		id       string
		missing  int
		exitCode int
	}{
		{"run_a", 0, 0},
		{"run_b", 5, 0},
		{"run_c", 2, 1},
	}
	for i, run := range runs {
		outputDir := makeRunDir(t, root, run.id)
		if err := store.RecordRun(context.Background(), journal.Run{
			ID:        run.id,
			OutputDir: outputDir,
			ExitCode:  run.exitCode,
			Missing:   run.missing,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("record %s: %v", run.id, err)
		}
	}

	rt := New(cfg, newLogger())
	rt.store = store
	if err := rt.applyRetention(context.Background()); err != nil {
		t.Fatalf("apply retention: %v", err)
	}

	remaining := listDirs(t, root)
	if len(remaining) != 1 {
		t.Fatalf("expected 1 run dir to survive, got %v", remaining)
	}
	if remaining[0] != "run_a" {
		t.Fatalf("expected best-scoring run_a to survive, got %v", remaining)
	}
}

func TestRetainBestTiesKeepEarliestRun(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "output")

	cfg := config.Default()
	cfg.Pipeline.Enabled = true
	cfg.Pipeline.OutputRoot = root
	cfg.Retention.Mode = "best"
	cfg.Retention.Keep = 1

	store, err := journal.Open(context.Background(), config.JournalConfig{
		Path:          filepath.Join(dir, "journal.db"),
		RetentionMode: "persistent",
	}, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"run_old", "run_new"} {
		outputDir := makeRunDir(t, root, id)
		if err := store.RecordRun(context.Background(), journal.Run{
			ID:        id,
			OutputDir: outputDir,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	rt := New(cfg, newLogger())
	rt.store = store
	if err := rt.applyRetention(context.Background()); err != nil {
		t.Fatalf("apply retention: %v", err)
	}

	// equal scores: the run admitted first, the oldest, stays
	remaining := listDirs(t, root)
	if len(remaining) != 1 || remaining[0] != "run_old" {
		t.Fatalf("expected run_old to survive the tie, got %v", remaining)
	}
}

func TestRetainLatestPrunesOldestDirs(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "output")

	cfg := config.Default()
	cfg.Pipeline.Enabled = true
	cfg.Pipeline.OutputRoot = root
	cfg.Retention.Mode = "latest"
	cfg.Retention.Keep = 2

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"run_0", "run_1", "run_2"} {
		path := makeRunDir(t, root, id)
		stamp := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, stamp, stamp); err != nil {
			t.Fatalf("chtimes %s: %v", id, err)
		}
	}

	rt := New(cfg, newLogger())
	if err := rt.applyRetention(context.Background()); err != nil {
		t.Fatalf("apply retention: %v", err)
	}

	remaining := listDirs(t, root)
	if len(remaining) != 2 {
		t.Fatalf("expected 2 run dirs to survive, got %v", remaining)
	}
	for _, name := range remaining {
		if name == "run_0" {
			t.Fatalf("expected oldest run_0 evicted, got %v", remaining)
		}
	}
}
