// Package handler implements the model_fn / input_fn / predict_fn / output_fn
// contract used by the hosting runtime.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gorgonia.org/tensor"

	"github.com/ekisa-team/detserve/internal/backend"
	"github.com/ekisa-team/detserve/internal/codec"
	"github.com/ekisa-team/detserve/internal/detection"
	"github.com/ekisa-team/detserve/internal/ndarray"
	"github.com/ekisa-team/detserve/internal/predictor"
)

// ConfigExtensions are the detection config file extensions.
var ConfigExtensions = []string{".yaml", ".yml"}

// Model is what PredictFn runs.
type Model interface {
	Predict(ctx context.Context, arr *tensor.Dense, opts ...predictor.PredictOption) (*detection.Prediction, error)
	Name() string
	Close() error
}

// Contract is the four-function inference handler contract.
type Contract interface {
	ModelFn(ctx context.Context, dir string) (*predictor.Predictor, error)
	InputFn(body []byte, contentType string) (*tensor.Dense, error)
	PredictFn(ctx context.Context, input *tensor.Dense, model Model, opts ...predictor.PredictOption) (*detection.Prediction, error)
	OutputFn(pred *detection.Prediction, accept string) ([]byte, string, error)
}

// Handler implements Contract on top of a backend registry.
type Handler struct {
	backends *backend.Registry
	opts     []predictor.Option
}

var _ Contract = (*Handler)(nil)

// New creates a handler loading models with the given backends.
func New(backends *backend.Registry, opts ...predictor.Option) *Handler {
	return &Handler{backends: backends, opts: opts}
}

// ModelFn loads the predictor found in dir.
func (h *Handler) ModelFn(ctx context.Context, dir string) (*predictor.Predictor, error) {
	slog.Info("Deserializing model", "dir", dir)

	configPath, weightsPath, err := FindModelFiles(dir, h.backends.Extensions())
	if err != nil {
		slog.Error("Model deserialization failed", "dir", dir, "error", err)
		return nil, err
	}

	slog.Info("Using config file", "path", configPath)
	slog.Info("Using model weights", "path", weightsPath)

	p, err := predictor.Load(ctx, h.backends, configPath, weightsPath, h.opts...)
	if err != nil {
		slog.Error("Model deserialization failed", "dir", dir, "error", err)
		if errors.Is(err, backend.ErrUnsupportedWeights) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}

	slog.Info("Deserialization completed", "model", p.Name(), "backend", p.Provider())
	return p, nil
}

// InputFn decodes a request body.
func (h *Handler) InputFn(body []byte, contentType string) (*tensor.Dense, error) {
	slog.Info("Handling inputs", "content_type", contentType, "bytes", len(body))

	arr, err := codec.Decode(body, contentType)
	if err != nil {
		slog.Error("Input deserialization failed", "content_type", contentType, "error", err)
		return nil, err
	}

	slog.Info("Input deserialization completed", "dtype", arr.Dtype().String(), "shape", ndarray.ShapeString(arr))
	return arr, nil
}

// PredictFn runs model on input.
func (h *Handler) PredictFn(ctx context.Context, input *tensor.Dense, model Model, opts ...predictor.PredictOption) (*detection.Prediction, error) {
	slog.Info("Doing predictions")

	if input == nil {
		return nil, fmt.Errorf("%w: %w", ErrPrediction, ErrNoInput)
	}
	if model == nil {
		return nil, fmt.Errorf("%w: %w", ErrPrediction, ErrNoModel)
	}
	slog.Debug("Prediction input", "dtype", input.Dtype().String(), "shape", ndarray.ShapeString(input), "model", model.Name())

	pred, err := model.Predict(ctx, input, opts...)
	if err != nil {
		slog.Error("Prediction failed", "model", model.Name(), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPrediction, err)
	}

	slog.Debug("Predicted output", "detections", pred.Instances.Len(), "elapsed", pred.Elapsed)
	return pred, nil
}

// OutputFn serializes pred according to accept and returns the body with its
// content type.
func (h *Handler) OutputFn(pred *detection.Prediction, accept string) ([]byte, string, error) {
	slog.Info("Processing output predictions", "accept", accept)

	body, contentType, err := codec.Encode(pred, accept)
	if err != nil {
		slog.Error("Output processing failed", "accept", accept, "error", err)
		return nil, "", err
	}

	slog.Info("Output processing completed", "content_type", contentType, "bytes", len(body))
	return body, contentType, nil
}

// FindModelFiles picks the config and weights files in dir. Files are visited
// in lexical order and the first match of each kind wins.
func FindModelFiles(dir string, weightsExts []string) (string, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrConfigNotFound, err)
	}

	var configs, weights []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		switch {
		case slices.Contains(ConfigExtensions, ext):
			configs = append(configs, e.Name())
		case slices.Contains(weightsExts, ext):
			weights = append(weights, e.Name())
		}
	}

	if len(configs) == 0 {
		return "", "", fmt.Errorf("%w: %s", ErrConfigNotFound, dir)
	}
	if len(weights) == 0 {
		return "", "", fmt.Errorf("%w: %s (looked for %s)", ErrWeightsNotFound, dir, strings.Join(weightsExts, ", "))
	}

	if len(configs) > 1 {
		slog.Warn("Multiple config files, using the first", "using", configs[0], "ignored", configs[1:])
	}
	if len(weights) > 1 {
		slog.Warn("Multiple weights files, using the first", "using", weights[0], "ignored", weights[1:])
	}

	return filepath.Join(dir, configs[0]), filepath.Join(dir, weights[0]), nil
}
