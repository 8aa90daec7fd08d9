package backend

import (
	"context"
	"time"
)

// Provider is a string identifier for a backend provider.
type Provider string

const (
	ProviderONNXRuntime Provider = "onnxruntime"
	ProviderOpenCV      Provider = "opencv"
	ProviderProcess     Provider = "process"
)

// Backend defines the core interface for all detection runtimes.
type Backend interface {
	// Provider returns the backend identifier.
	Provider() Provider

	// Extensions lists the weights file extensions the backend can load.
	Extensions() []string

	// Load prepares a session for the given model files.
	Load(ctx context.Context, spec *Spec) (Session, error)

	// Close cleans up resources.
	Close() error
}

// Session is a loaded model ready to run forward passes.
type Session interface {
	// Run executes one forward pass.
	Run(ctx context.Context, in *Input) (*Output, error)

	// Close releases the session.
	Close() error
}

// TensorNames maps the logical graph inputs and outputs to their names in the
// exported model.
type TensorNames struct {
	Image   string
	Boxes   string
	Classes string
	Scores  string
}

// DefaultTensorNames returns the names used by the bundled export scripts.
func DefaultTensorNames() TensorNames {
	return TensorNames{
		Image:   "image",
		Boxes:   "boxes",
		Classes: "classes",
		Scores:  "scores",
	}
}

// Spec describes the model a backend should load.
type Spec struct {
	// ConfigPath is the path of the model configuration file.
	ConfigPath string

	// WeightsPath is the path of the trained weights file.
	WeightsPath string

	// Names are the graph tensor names.
	Names TensorNames

	// NumThreads bounds intra-op parallelism, 0 keeps the runtime default.
	NumThreads int

	// Command and Args are used by the process backend.
	Command string
	Args    []string

	// Timeout bounds a single forward pass for out-of-process runtimes.
	Timeout time.Duration

	// NetConfig is the optional network description used by OpenCV DNN.
	NetConfig string
}

// Input is a single preprocessed image in planar layout.
type Input struct {
	// Image holds 3*Height*Width float32 values in CHW order, 0-255 range.
	Image  []float32
	Height int
	Width  int
}

// Output holds the raw detections for an Input, at input resolution.
type Output struct {
	// Boxes holds 4 values (x1, y1, x2, y2) per detection.
	Boxes   []float32
	Scores  []float32
	Classes []int64
}

// Len returns the number of detections.
func (o *Output) Len() int {
	return len(o.Scores)
}

// Validate checks that the output fields are index-aligned.
func (o *Output) Validate() error {
	n := len(o.Scores)
	if len(o.Boxes) != 4*n || len(o.Classes) != n {
		return ErrMalformedOutput
	}
	return nil
}
