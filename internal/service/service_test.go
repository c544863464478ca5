package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/soniqlabs/synth-core/internal/bus"
	"github.com/soniqlabs/synth-core/internal/config"
	"github.com/soniqlabs/synth-core/internal/journal"
	"github.com/soniqlabs/synth-core/internal/natsserver"
	"github.com/soniqlabs/synth-core/internal/pipeline"
	"github.com/soniqlabs/synth-core/internal/protocol"
)

const testBusPort = 42224

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Node.ID = "test-node"
	cfg.Pipeline.Enabled = true
	cfg.Pipeline.DefaultDevice = "cpu"
	cfg.Pipeline.TimeoutSeconds = 30
	cfg.Pipeline.OutputRoot = filepath.Join(dir, "output")
	cfg.Pipeline.AcousticConfig = touch(t, dir, "acoustic.yaml")
	cfg.Pipeline.AcousticCheckpoint = touch(t, dir, "acoustic.pdz")
	cfg.Pipeline.AcousticStat = touch(t, dir, "acoustic_stats.npy")
	cfg.Pipeline.VocoderConfig = touch(t, dir, "vocoder.yaml")
	cfg.Pipeline.VocoderParams = touch(t, dir, "vocoder.pdz")
	cfg.Pipeline.VocoderStat = touch(t, dir, "vocoder_stats.npy")
	cfg.Verify.Enabled = true
	cfg.Verify.Channels = 1
	return cfg
}

func writeManifest(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test_metadata.jsonl")
	content := `{"utt_id": "009901"}` + "\n" + `{"utt_id": "009902"}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	busCfg := config.BusConfig{Embedded: true, Port: testBusPort, ConnectTimeout: 2000}
	srv, err := natsserver.Start(busCfg, newLogger())
	if err != nil {
		t.Skipf("embedded NATS unavailable: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	busCfg.Servers = []string{"nats://localhost:42224"}
	client, err := bus.Connect(context.Background(), busCfg, newLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestServiceHandlesRequest(t *testing.T) {
	client := startBus(t)
	cfg := testConfig(t)

	store, err := journal.Open(context.Background(), config.JournalConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc := New(context.Background(), cfg, client, pipeline.NewMockRunner(24000, 1), store, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	results := make(chan protocol.SynthesisResult, 1)
	sub, err := client.Conn().Subscribe(protocol.SubjectSynthResult, func(msg *nats.Msg) {
		var result protocol.SynthesisResult
		if err := json.Unmarshal(msg.Data, &result); err != nil {
			t.Errorf("decode result: %v", err)
			return
		}
		results <- result
	})
	if err != nil {
		t.Fatalf("subscribe results: %v", err)
	}
	t.Cleanup(func() { _ = sub.Drain() })

	req := protocol.SynthesisRequest{
		RequestID:    "req-1",
		TestMetadata: writeManifest(t),
		Device:       "cpu",
	}
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := client.Conn().Publish(protocol.SubjectSynthRequest, payload); err != nil {
		t.Fatalf("publish request: %v", err)
	}

	waitForResult(t, results)
}

func waitForResult(t *testing.T, results chan protocol.SynthesisResult) {
	t.Helper()
	select {
	case result := <-results:
		if result.RequestID != "req-1" {
			t.Fatalf("unexpected request id: %q", result.RequestID)
		}
		if result.ExitCode != 0 || result.Error != "" {
			t.Fatalf("unexpected result: %+v", result)
		}
		if result.Utterances != 2 || result.Verified != 2 {
			t.Fatalf("expected 2 verified utterances, got %+v", result)
		}
		if result.NodeID != "test-node" || result.Device != "cpu" {
			t.Fatalf("unexpected node/device: %+v", result)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for synthesis result")
	}
}

func TestServicePublishesProgress(t *testing.T) {
	client := startBus(t)
	cfg := testConfig(t)

	svc := New(context.Background(), cfg, client, pipeline.NewMockRunner(24000, 1), nil, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	progress := make(chan protocol.SynthesisProgress, 4)
	sub, err := client.Conn().Subscribe(protocol.SubjectSynthProgress, func(msg *nats.Msg) {
		var p protocol.SynthesisProgress
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			t.Errorf("decode progress: %v", err)
			return
		}
		progress <- p
	})
	if err != nil {
		t.Fatalf("subscribe progress: %v", err)
	}
	t.Cleanup(func() { _ = sub.Drain() })

	req := protocol.SynthesisRequest{
		RequestID:    "req-progress",
		TestMetadata: writeManifest(t),
		Device:       "cpu",
	}
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := client.Conn().Publish(protocol.SubjectSynthRequest, payload); err != nil {
		t.Fatalf("publish request: %v", err)
	}

	stages := make([]string, 0, 2)
	deadline := time.After(10 * time.Second)
	for len(stages) < 2 {
		select {
		case p := <-progress:
			if p.RequestID != "req-progress" {
				t.Fatalf("unexpected request id: %q", p.RequestID)
			}
			if p.RunID == "" || p.NodeID != "test-node" {
				t.Fatalf("unexpected progress: %+v", p)
			}
			stages = append(stages, p.Stage)
		case <-deadline:
			t.Fatalf("timed out waiting for progress, got stages %v", stages)
		}
	}
	if stages[0] != protocol.StageRunning || stages[1] != protocol.StageVerifying {
		t.Fatalf("unexpected stage order: %v", stages)
	}
}

func TestExecuteJournalsRun(t *testing.T) {
	cfg := testConfig(t)
	store, err := journal.Open(context.Background(), config.JournalConfig{
		Path:          filepath.Join(t.TempDir(), "journal.db"),
		RetentionMode: "persistent",
	}, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc := New(context.Background(), cfg, nil, pipeline.NewMockRunner(24000, 1), store, newLogger())
	t.Cleanup(svc.Close)

	result := svc.Execute(context.Background(), protocol.SynthesisRequest{
		RequestID:    "req-2",
		TestMetadata: writeManifest(t),
	})
	if result.ExitCode != 0 || result.Verified != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Device != "cpu" {
		t.Fatalf("expected default device cpu, got %q", result.Device)
	}

	runs, err := store.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RequestID != "req-2" {
		t.Fatalf("expected journaled run, got %+v", runs)
	}
	records, err := store.ListRunUtterances(context.Background(), runs[0].ID)
	if err != nil {
		t.Fatalf("list utterances: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 utterance records, got %d", len(records))
	}
}

func TestExecuteReportsRunnerFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.AcousticCheckpoint = filepath.Join(t.TempDir(), "missing.pdz")

	svc := New(context.Background(), cfg, nil, pipeline.NewMockRunner(24000, 1), nil, newLogger())
	t.Cleanup(svc.Close)

	result := svc.Execute(context.Background(), protocol.SynthesisRequest{
		RequestID:    "req-3",
		TestMetadata: writeManifest(t),
	})
	if result.Error == "" {
		t.Fatal("expected error for missing checkpoint")
	}
	if result.Verified != 0 {
		t.Fatalf("expected no verified utterances, got %+v", result)
	}
}
