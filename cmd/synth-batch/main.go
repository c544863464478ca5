// synth-batch runs the external two-stage synthesis program once over a
// test-metadata manifest and exits with the program's exit code. The nine
// pipeline flags mirror the program's own interface; everything else
// (interpreter command, journal, verification) comes from the config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/soniqlabs/synth-core/internal/config"
	"github.com/soniqlabs/synth-core/internal/journal"
	"github.com/soniqlabs/synth-core/internal/manifest"
	"github.com/soniqlabs/synth-core/internal/pipeline"
)

var version = "0.1.0-dev"

type options struct {
	configPath string
	job        pipeline.Job
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		opts        options
		showVersion bool
	)

	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file (optional)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.StringVar(&opts.job.Artifacts.AcousticConfig, "speedyspeech-config", "", "Acoustic model configuration file")
	flag.StringVar(&opts.job.Artifacts.AcousticCheckpoint, "speedyspeech-checkpoint", "", "Acoustic model checkpoint file")
	flag.StringVar(&opts.job.Artifacts.AcousticStat, "speedyspeech-stat", "", "Acoustic model normalization statistics file")
	flag.StringVar(&opts.job.Artifacts.VocoderConfig, "pwg-config", "", "Vocoder configuration file")
	flag.StringVar(&opts.job.Artifacts.VocoderParams, "pwg-params", "", "Vocoder parameters file")
	flag.StringVar(&opts.job.Artifacts.VocoderStat, "pwg-stat", "", "Vocoder normalization statistics file")
	flag.StringVar(&opts.job.TestMetadata, "test-metadata", "", "Manifest enumerating synthesis inputs")
	flag.StringVar(&opts.job.OutputDir, "output-dir", "", "Destination directory for generated audio")
	flag.StringVar(&opts.job.Device, "device", "", "Compute target, cpu or gpu")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return 0
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		return 2
	}
	if opts.configPath == "" {
		// no config file, don't leave a journal database behind
		cfg.Journal.RetentionMode = "ephemeral"
	}
	if opts.job.Device == "" {
		opts.job.Device = cfg.Pipeline.DefaultDevice
	}
	if err := opts.job.Validate(); err != nil {
		logger.Error("invalid invocation", slog.String("error", err.Error()))
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Pipeline.TimeoutSeconds)*time.Second)
	defer cancel()

	runner, err := pipeline.NewExecRunner(cfg.Pipeline.Command, cfg.Pipeline.StderrTailLines, logger)
	if err != nil {
		logger.Error("failed to build runner", slog.String("error", err.Error()))
		return 2
	}

	started := time.Now()
	result, runErr := runner.Run(ctx, opts.job)
	if runErr != nil {
		logger.Error("synthesis failed",
			slog.Int("exit_code", result.ExitCode),
			slog.String("error", runErr.Error()))
	}

	records, verified, missing := verifyOutputs(cfg, opts.job, runErr == nil, logger)
	journalRun(cfg, opts.job, result, runErr, started, records, verified, missing, logger)

	logger.Info("synthesis finished",
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", result.Duration),
		slog.Int("utterances", len(records)),
		slog.Int("verified", verified),
		slog.Int("missing", missing))

	if result.ExitCode < 0 {
		return 1
	}
	return result.ExitCode
}

func verifyOutputs(cfg config.Config, job pipeline.Job, ran bool, logger *slog.Logger) ([]manifest.Utterance, int, int) {
	records, err := manifest.Load(job.TestMetadata)
	if err != nil {
		logger.Warn("failed to read manifest", slog.String("error", err.Error()))
		return nil, 0, 0
	}
	if !ran || !cfg.Verify.Enabled {
		return records, 0, 0
	}
	checks, summary := pipeline.VerifyOutputs(job.OutputDir, records, cfg.Verify)
	for _, check := range checks {
		if !check.OK {
			logger.Warn("utterance output failed verification",
				slog.String("utt_id", check.UttID),
				slog.String("error", check.Error))
		}
	}
	return records, summary.Verified, summary.Missing + summary.Invalid
}

func journalRun(cfg config.Config, job pipeline.Job, result pipeline.Result, runErr error, started time.Time, records []manifest.Utterance, verified, missing int, logger *slog.Logger) {
	// the run context may already be canceled by a timeout, journal with a fresh one
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := journal.Open(ctx, cfg.Journal, logger)
	if err != nil {
		logger.Warn("failed to open journal", slog.String("error", err.Error()))
		return
	}
	defer store.Close()

	run := journal.Run{
		ID:         uuid.NewString(),
		NodeID:     cfg.Node.ID,
		Device:     job.Device,
		Metadata:   job.TestMetadata,
		OutputDir:  job.OutputDir,
		ExitCode:   result.ExitCode,
		Utterances: len(records),
		Verified:   verified,
		Missing:    missing,
		StartedAt:  started.UTC(),
		FinishedAt: time.Now().UTC(),
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := store.RecordRun(ctx, run); err != nil {
		logger.Warn("failed to journal run", slog.String("error", err.Error()))
	}
}
