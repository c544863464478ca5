package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Artifacts holds the six model files forwarded to the external synthesis
// program: configuration, weights and normalization statistics for the
// acoustic model and for the vocoder.
type Artifacts struct {
	AcousticConfig     string
	AcousticCheckpoint string
	AcousticStat       string
	VocoderConfig      string
	VocoderParams      string
	VocoderStat        string
}

// Job is one invocation of the synthesis pipeline.
type Job struct {
	Artifacts    Artifacts
	TestMetadata string
	OutputDir    string
	Device       string
}

// Result reports how the external program finished. ExitCode is the child
// process exit status, propagated unchanged.
type Result struct {
	ExitCode   int
	Duration   time.Duration
	StderrTail []string
}

// Runner executes a synthesis job against some backing implementation.
type Runner interface {
	Run(ctx context.Context, job Job) (Result, error)
}

// Validate checks the job before the child process is started: the device
// selector must be cpu or gpu and every input path must be resolvable.
// OutputDir is not required to exist, the runner creates it.
func (j Job) Validate() error {
	switch j.Device {
	case "cpu", "gpu":
	default:
		return fmt.Errorf("device must be cpu or gpu, got %q", j.Device)
	}
	if j.OutputDir == "" {
		return fmt.Errorf("output dir must not be empty")
	}
	inputs := []struct {
		name string
		path string
	}{
		{"speedyspeech-config", j.Artifacts.AcousticConfig},
		{"speedyspeech-checkpoint", j.Artifacts.AcousticCheckpoint},
		{"speedyspeech-stat", j.Artifacts.AcousticStat},
		{"pwg-config", j.Artifacts.VocoderConfig},
		{"pwg-params", j.Artifacts.VocoderParams},
		{"pwg-stat", j.Artifacts.VocoderStat},
		{"test-metadata", j.TestMetadata},
	}
	for _, in := range inputs {
		if in.path == "" {
			return fmt.Errorf("%s must not be empty", in.name)
		}
		if _, err := os.Stat(in.path); err != nil {
			return fmt.Errorf("%s: %w", in.name, err)
		}
	}
	return nil
}

// Args renders the job as the flag list the external program expects.
// The order is fixed so the same job always produces the same argv.
func (j Job) Args() []string {
	return []string{
		"--speedyspeech-config=" + j.Artifacts.AcousticConfig,
		"--speedyspeech-checkpoint=" + j.Artifacts.AcousticCheckpoint,
		"--speedyspeech-stat=" + j.Artifacts.AcousticStat,
		"--pwg-config=" + j.Artifacts.VocoderConfig,
		"--pwg-params=" + j.Artifacts.VocoderParams,
		"--pwg-stat=" + j.Artifacts.VocoderStat,
		"--test-metadata=" + j.TestMetadata,
		"--output-dir=" + j.OutputDir,
		"--device=" + j.Device,
	}
}
