// Package process implements backend.Backend by delegating each forward pass
// to an external command, for weights formats no in-process runtime reads.
//
// The command receives the CHW float32 image as a .npy payload on stdin and
// must print {"boxes": [[x1, y1, x2, y2], ...], "scores": [...], "classes": [...]}
// on stdout.
package process

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ekisa-team/detserve/internal/backend"
	"github.com/ekisa-team/detserve/internal/ndarray"
)

// DefaultTimeout bounds a forward pass when the model does not set one.
const DefaultTimeout = 60 * time.Second

// ErrCommandNotConfigured is returned when no command is set for the model.
var ErrCommandNotConfigured = errors.New("process backend requires RUNTIME.COMMAND")

// ExecutorFactory builds the executor for a command.
type ExecutorFactory func(command string, timeout time.Duration) (*backend.Executor, error)

// Backend implements backend.Backend for external commands.
type Backend struct {
	newExecutor ExecutorFactory
}

// NewBackend creates a new process backend running commands with os/exec.
func NewBackend() *Backend {
	return &Backend{newExecutor: backend.NewExecutor}
}

// NewBackendWithRunner creates a process backend using a custom runner.
func NewBackendWithRunner(runner backend.CommandRunner) *Backend {
	return &Backend{
		newExecutor: func(command string, timeout time.Duration) (*backend.Executor, error) {
			return backend.NewExecutorWithRunner(command, timeout, runner), nil
		},
	}
}

// Provider returns the backend identifier.
func (b *Backend) Provider() backend.Provider {
	return backend.ProviderProcess
}

// Extensions lists the weights file extensions the backend can load.
func (b *Backend) Extensions() []string {
	return []string{".pkl", ".pt", ".pth"}
}

// Load binds the command to the model files.
func (b *Backend) Load(_ context.Context, spec *backend.Spec) (backend.Session, error) {
	if spec.Command == "" {
		return nil, ErrCommandNotConfigured
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	executor, err := b.newExecutor(spec.Command, timeout)
	if err != nil {
		return nil, err
	}

	args := append([]string(nil), spec.Args...)
	args = append(args, "--config", spec.ConfigPath, "--weights", spec.WeightsPath)

	return &Session{executor: executor, args: args}, nil
}

// Close cleans up resources.
func (b *Backend) Close() error {
	return nil
}

// Session runs one command per forward pass.
type Session struct {
	executor *backend.Executor
	args     []string
}

type result struct {
	Boxes   [][]float32 `json:"boxes"`
	Scores  []float32   `json:"scores"`
	Classes []int64     `json:"classes"`
}

// Run executes the command for a single image.
func (s *Session) Run(ctx context.Context, in *backend.Input) (*backend.Output, error) {
	if len(in.Image) != 3*in.Height*in.Width {
		return nil, fmt.Errorf("%w: %d values for %dx%d image", backend.ErrInvalidInput, len(in.Image), in.Height, in.Width)
	}

	var stdin bytes.Buffer
	if err := ndarray.EncodeNPY(&stdin, ndarray.New(in.Image, 3, in.Height, in.Width)); err != nil {
		return nil, err
	}

	start := time.Now()
	stdout, stderr, err := s.executor.Execute(ctx, s.args, &stdin)
	if err != nil {
		return nil, fmt.Errorf("execution failed: %w\nstderr: %s", err, stderr)
	}
	slog.Debug("Process backend finished", "command", s.executor.BinaryPath(), "elapsed", time.Since(start))

	var res result
	if err := json.Unmarshal(stdout, &res); err != nil {
		return nil, fmt.Errorf("invalid command output: %w", err)
	}

	out := &backend.Output{Scores: res.Scores, Classes: res.Classes}
	for i, b := range res.Boxes {
		if len(b) != 4 {
			return nil, fmt.Errorf("%w: box %d has %d values", backend.ErrMalformedOutput, i, len(b))
		}
		out.Boxes = append(out.Boxes, b...)
	}

	return out, out.Validate()
}

// Close releases the session.
func (s *Session) Close() error {
	return nil
}
