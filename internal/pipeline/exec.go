package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

const defaultStderrTail = 40

// ExecRunner drives the external synthesis program. The configured command
// (interpreter plus script) is parsed once; each job appends the nine
// pipeline flags and runs the child under the caller's context.
type ExecRunner struct {
	cmd       []string
	tailLines int
	logger    *slog.Logger
	mu        sync.Mutex
}

func NewExecRunner(command string, tailLines int, log *slog.Logger) (*ExecRunner, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse pipeline command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("pipeline command empty")
	}
	if tailLines <= 0 {
		tailLines = defaultStderrTail
	}
	return &ExecRunner{
		cmd:       args,
		tailLines: tailLines,
		logger:    log.With(slog.String("component", "pipeline-exec")),
	}, nil
}

func (r *ExecRunner) Run(ctx context.Context, job Job) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := job.Validate(); err != nil {
		return Result{ExitCode: -1}, err
	}
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("create output dir: %w", err)
	}

	base := r.cmd[0]
	args := append([]string{}, r.cmd[1:]...)
	args = append(args, job.Args()...)

	cmd := exec.CommandContext(ctx, base, args...)
	// close the pipes shortly after a kill even if grandchildren hold them
	cmd.WaitDelay = 5 * time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1}, err
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("start synthesis program: %w", err)
	}

	r.logger.Info("synthesis program started",
		slog.String("program", base),
		slog.String("device", job.Device),
		slog.String("output_dir", job.OutputDir))

	var wg sync.WaitGroup
	tail := newTailBuffer(r.tailLines)
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.drain(stdout, slog.LevelDebug, nil)
	}()
	go func() {
		defer wg.Done()
		r.drain(stderr, slog.LevelWarn, tail)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	result := Result{
		ExitCode:   0,
		Duration:   time.Since(start),
		StderrTail: tail.Lines(),
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, fmt.Errorf("synthesis program exited with code %d", result.ExitCode)
		}
		result.ExitCode = -1
		if ctx.Err() != nil {
			return result, fmt.Errorf("synthesis program aborted: %w", ctx.Err())
		}
		return result, fmt.Errorf("synthesis program failed: %w", waitErr)
	}
	return result, nil
}

// drain relays child output line by line. When a tail buffer is supplied
// the lines are also retained for diagnostics on failure.
func (r *ExecRunner) drain(pipe io.Reader, level slog.Level, tail *tailBuffer) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		r.logger.Log(context.Background(), level, line)
		if tail != nil {
			tail.Add(line)
		}
	}
}

type tailBuffer struct {
	max   int
	lines []string
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Add(line string) {
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

func (b *tailBuffer) Lines() []string {
	return append([]string(nil), b.lines...)
}
