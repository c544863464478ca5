package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soniqlabs/synth-core/internal/bus"
	"github.com/soniqlabs/synth-core/internal/config"
	"github.com/soniqlabs/synth-core/internal/journal"
	"github.com/soniqlabs/synth-core/internal/natsserver"
	"github.com/soniqlabs/synth-core/internal/pipeline"
	"github.com/soniqlabs/synth-core/internal/registry"
	"github.com/soniqlabs/synth-core/internal/retain"
	"github.com/soniqlabs/synth-core/internal/service"
)

// Runtime owns the daemon lifecycle: telemetry, bus, journal, registry and
// the synthesis service, plus the HTTP surface for health and inspection.
type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	telemetryClose func(context.Context) error
	embedded       *natsserver.EmbeddedServer
	busClient      *bus.Client
	store          *journal.Store
	registry       *registry.Registry
	service        *service.Service
	ready          atomic.Bool
	wg             sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.embedded = embedded

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = busClient

	store, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	r.store = store

	reg, err := registry.New(ctx, r.cfg.Node, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start registry: %w", err)
	}
	r.registry = reg

	runner, err := r.buildRunner()
	if err != nil {
		return err
	}
	if runner != nil {
		r.service = service.New(ctx, r.cfg, busClient, runner, store, r.logger)
		if err := r.service.Start(); err != nil {
			return fmt.Errorf("failed to start synthesis service: %w", err)
		}
	}

	if err := r.applyRetention(ctx); err != nil {
		r.logger.Warn("output retention failed", slog.String("error", err.Error()))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/workers", r.handleWorkers)
	mux.HandleFunc("/runs", r.handleRuns)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.service != nil {
		r.service.Close()
	}
	r.registry.Close()
	r.busClient.Close()
	if err := r.store.Close(); err != nil {
		r.logger.Error("journal close error", slog.String("error", err.Error()))
	}
	r.embedded.Shutdown()

	if r.telemetryClose != nil {
		if err := r.telemetryClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) buildRunner() (pipeline.Runner, error) {
	if !r.cfg.Pipeline.Enabled {
		return nil, nil
	}
	switch r.cfg.Pipeline.Mode {
	case "mock":
		return pipeline.NewMockRunner(r.cfg.Verify.SampleRate, r.cfg.Verify.Channels), nil
	case "exec":
		return pipeline.NewExecRunner(r.cfg.Pipeline.Command, r.cfg.Pipeline.StderrTailLines, r.logger)
	default:
		return nil, fmt.Errorf("unknown pipeline mode %q", r.cfg.Pipeline.Mode)
	}
}

// applyRetention prunes old run directories under the output root
// according to the retention policy.
func (r *Runtime) applyRetention(ctx context.Context) error {
	if r.cfg.Retention.Mode == "all" || !r.cfg.Pipeline.Enabled {
		return nil
	}
	switch r.cfg.Retention.Mode {
	case "latest":
		return r.retainLatest()
	case "best":
		return r.retainBest(ctx)
	}
	return nil
}

func (r *Runtime) retainLatest() error {
	dirs, err := runDirsByAge(r.cfg.Pipeline.OutputRoot)
	if err != nil {
		return err
	}
	keeper, err := retain.NewKLatest(r.cfg.Retention.Keep, func(string) error { return nil }, nil)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := keeper.Add(dir); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) retainBest(ctx context.Context) error {
	runs, err := r.store.ListRuns(ctx, 0)
	if err != nil {
		return err
	}
	keeper, err := retain.NewKBest(r.cfg.Retention.Keep, func(string) error { return nil }, nil)
	if err != nil {
		return err
	}
	// oldest first; on a tied score the run admitted first stays
	for i := len(runs) - 1; i >= 0; i-- {
		run := runs[i]
		if run.OutputDir == "" {
			continue
		}
		if _, statErr := os.Stat(run.OutputDir); statErr != nil {
			continue
		}
		score := float64(run.Missing)
		if run.ExitCode != 0 {
			score += 1000
		}
		// the directory already exists, so a rejected candidate must be
		// removed here; Add only deletes on eviction
		if !keeper.ShouldSave(score) {
			if err := os.RemoveAll(run.OutputDir); err != nil {
				return err
			}
			continue
		}
		if err := keeper.Add(score, run.OutputDir); err != nil {
			return err
		}
	}
	return nil
}

func runDirsByAge(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type dirInfo struct {
		path    string
		modTime time.Time
	}
	var dirs []dirInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, dirInfo{path: filepath.Join(root, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].modTime.Before(dirs[j].modTime) })
	paths := make([]string, 0, len(dirs))
	for _, d := range dirs {
		paths = append(paths, d.path)
	}
	return paths, nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	healthy := r.busClient.Healthy()
	if r.registry != nil {
		healthy = healthy && r.registry.Healthy()
	}
	if r.service != nil {
		healthy = healthy && r.service.Healthy()
	}
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleWorkers(w http.ResponseWriter, req *http.Request) {
	device := req.URL.Query().Get("device")
	var filter func(registry.NodeInfo) bool
	if device != "" {
		filter = registry.WithDeviceFilter(device)
	}
	nodes := r.registry.Query(filter)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(nodes); err != nil {
		r.logger.Warn("failed to encode workers", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleRuns(w http.ResponseWriter, req *http.Request) {
	runs, err := r.store.ListRuns(req.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(runs); err != nil {
		r.logger.Warn("failed to encode runs", slog.String("error", err.Error()))
	}
}
