package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/soniqlabs/synth-core/internal/manifest"
)

// MockRunner stands in for the external synthesis program. It reads the
// manifest and writes a short silent wav per utterance so the rest of the
// pipeline (verification, journaling) can be exercised without models.
type MockRunner struct {
	SampleRate int
	Channels   int
}

func NewMockRunner(sampleRate, channels int) *MockRunner {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if channels <= 0 {
		channels = 1
	}
	return &MockRunner{SampleRate: sampleRate, Channels: channels}
}

func (m *MockRunner) Run(ctx context.Context, job Job) (Result, error) {
	start := time.Now()
	if err := job.Validate(); err != nil {
		return Result{ExitCode: -1}, err
	}
	records, err := manifest.Load(job.TestMetadata)
	if err != nil {
		return Result{ExitCode: 1}, err
	}
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("create output dir: %w", err)
	}
	for _, rec := range records {
		if ctx.Err() != nil {
			return Result{ExitCode: -1, Duration: time.Since(start)}, ctx.Err()
		}
		path := filepath.Join(job.OutputDir, rec.UttID+".wav")
		if err := m.writeSilence(path); err != nil {
			return Result{ExitCode: 1, Duration: time.Since(start)}, err
		}
	}
	return Result{ExitCode: 0, Duration: time.Since(start)}, nil
}

func (m *MockRunner) writeSilence(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer file.Close()

	// 100ms of silence
	frames := m.SampleRate / 10
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: m.Channels, SampleRate: m.SampleRate},
		Data:   make([]int, frames*m.Channels),
	}
	enc := wav.NewEncoder(file, m.SampleRate, 16, m.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
