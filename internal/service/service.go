package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/soniqlabs/synth-core/internal/bus"
	"github.com/soniqlabs/synth-core/internal/config"
	"github.com/soniqlabs/synth-core/internal/journal"
	"github.com/soniqlabs/synth-core/internal/manifest"
	"github.com/soniqlabs/synth-core/internal/pipeline"
	"github.com/soniqlabs/synth-core/internal/protocol"
)

// Service executes synthesis requests arriving on the bus. Each request
// names a test-metadata manifest and an output directory; the service runs
// the pipeline, verifies the produced wav files, journals the run and
// publishes the result.
type Service struct {
	cfg     config.PipelineConfig
	verify  config.VerifyConfig
	nodeID  string
	bus     *bus.Client
	runner  pipeline.Runner
	journal *journal.Store
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func New(parent context.Context, cfg config.Config, busClient *bus.Client, runner pipeline.Runner, store *journal.Store, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg.Pipeline,
		verify:  cfg.Verify,
		nodeID:  cfg.Node.ID,
		bus:     busClient,
		runner:  runner,
		journal: store,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "synth-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSynthRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthesisRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synthesis request", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.TimeoutSeconds)*time.Second)
		defer cancel()

		result := s.Execute(ctx, req)
		s.publishResult(result)
	}()
}

// Execute runs one synthesis request synchronously and returns the
// outcome. Exported so the runtime can drive ad-hoc runs as well.
func (s *Service) Execute(ctx context.Context, req protocol.SynthesisRequest) protocol.SynthesisResult {
	runID := uuid.NewString()
	device := req.Device
	if device == "" {
		device = s.cfg.DefaultDevice
	}
	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join(s.cfg.OutputRoot, runID)
	}
	req.OutputDir = outputDir

	job := pipeline.Job{
		Artifacts: pipeline.Artifacts{
			AcousticConfig:     s.cfg.AcousticConfig,
			AcousticCheckpoint: s.cfg.AcousticCheckpoint,
			AcousticStat:       s.cfg.AcousticStat,
			VocoderConfig:      s.cfg.VocoderConfig,
			VocoderParams:      s.cfg.VocoderParams,
			VocoderStat:        s.cfg.VocoderStat,
		},
		TestMetadata: req.TestMetadata,
		OutputDir:    outputDir,
		Device:       device,
	}

	result := protocol.SynthesisResult{
		RequestID: req.RequestID,
		RunID:     runID,
		NodeID:    s.nodeID,
		Device:    device,
	}
	started := time.Now()
	s.publishProgress(result, protocol.StageRunning)

	runResult, runErr := s.runner.Run(ctx, job)
	result.ExitCode = runResult.ExitCode
	result.DurationMS = time.Since(started).Milliseconds()
	if runErr != nil {
		result.Error = runErr.Error()
		s.logger.Warn("synthesis run failed",
			slog.String("run_id", runID),
			slog.Int("exit_code", runResult.ExitCode),
			slogError(runErr))
		for _, line := range runResult.StderrTail {
			s.logger.Warn("synthesis stderr", slog.String("run_id", runID), slog.String("line", line))
		}
	}

	records, manifestErr := manifest.Load(req.TestMetadata)
	if manifestErr != nil {
		if result.Error == "" {
			result.Error = manifestErr.Error()
		}
	} else {
		result.Utterances = len(records)
		if runErr == nil && s.verify.Enabled {
			s.publishProgress(result, protocol.StageVerifying)
			checks, summary := pipeline.VerifyOutputs(outputDir, records, s.verify)
			result.Verified = summary.Verified
			result.Missing = summary.Missing + summary.Invalid
			s.journalUtterances(runID, checks)
		}
	}
	result.FinishedAt = time.Now().UTC()

	s.journalRun(req, result, started)

	s.logger.Info("synthesis run finished",
		slog.String("run_id", runID),
		slog.String("device", device),
		slog.Int("exit_code", result.ExitCode),
		slog.Int("utterances", result.Utterances),
		slog.Int("verified", result.Verified))

	return result
}

func (s *Service) journalRun(req protocol.SynthesisRequest, result protocol.SynthesisResult, started time.Time) {
	if s.journal == nil {
		return
	}
	err := s.journal.RecordRun(s.ctx, journal.Run{
		ID:         result.RunID,
		RequestID:  req.RequestID,
		NodeID:     s.nodeID,
		Device:     result.Device,
		Metadata:   req.TestMetadata,
		OutputDir:  req.OutputDir,
		ExitCode:   result.ExitCode,
		Utterances: result.Utterances,
		Verified:   result.Verified,
		Missing:    result.Missing,
		Error:      result.Error,
		StartedAt:  started.UTC(),
		FinishedAt: result.FinishedAt,
	})
	if err != nil {
		s.logger.Warn("failed to journal run", slogError(err))
	}
}

func (s *Service) journalUtterances(runID string, checks []pipeline.UtteranceCheck) {
	if s.journal == nil {
		return
	}
	records := make([]journal.UtteranceRecord, 0, len(checks))
	for _, check := range checks {
		records = append(records, journal.UtteranceRecord{
			RunID:      runID,
			UttID:      check.UttID,
			Path:       check.Path,
			OK:         check.OK,
			SampleRate: check.SampleRate,
			Frames:     check.Frames,
			Error:      check.Error,
		})
	}
	if err := s.journal.RecordUtterances(s.ctx, records); err != nil {
		s.logger.Warn("failed to journal utterances", slogError(err))
	}
}

func (s *Service) publishProgress(result protocol.SynthesisResult, stage string) {
	if s.bus == nil {
		return
	}
	progress := protocol.SynthesisProgress{
		RequestID:  result.RequestID,
		RunID:      result.RunID,
		NodeID:     s.nodeID,
		Stage:      stage,
		Utterances: result.Utterances,
		Verified:   result.Verified,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(progress)
	if err != nil {
		s.logger.Warn("failed to marshal synthesis progress", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSynthProgress, data); err != nil {
		s.logger.Warn("failed to publish synthesis progress", slogError(err))
	}
}

func (s *Service) publishResult(result protocol.SynthesisResult) {
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("failed to marshal synthesis result", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSynthResult, data); err != nil {
		s.logger.Warn("failed to publish synthesis result", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
