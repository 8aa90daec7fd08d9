// Package onnx implements backend.Backend on top of ONNX Runtime for models
// exported from the training framework with dynamic input sizes.
package onnx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/ekisa-team/detserve/internal/backend"
)

// SharedLibraryEnv names the environment variable holding the path of the
// onnxruntime shared library.
const SharedLibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// Backend implements backend.Backend for ONNX Runtime.
type Backend struct {
	libraryPath string
	once        sync.Once
	initErr     error
	mu          sync.Mutex
	sessions    int
}

// NewBackend creates a new ONNX Runtime backend. An empty libraryPath falls
// back to SharedLibraryEnv, then to the runtime's default lookup.
func NewBackend(libraryPath string) *Backend {
	if libraryPath == "" {
		libraryPath = os.Getenv(SharedLibraryEnv)
	}
	return &Backend{libraryPath: libraryPath}
}

// Provider returns the backend identifier.
func (b *Backend) Provider() backend.Provider {
	return backend.ProviderONNXRuntime
}

// Extensions lists the weights file extensions the backend can load.
func (b *Backend) Extensions() []string {
	return []string{".onnx"}
}

func (b *Backend) initEnvironment() error {
	b.once.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if b.libraryPath != "" {
			ort.SetSharedLibraryPath(b.libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			b.initErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	return b.initErr
}

// Load creates an inference session for spec.WeightsPath.
func (b *Backend) Load(ctx context.Context, spec *backend.Spec) (backend.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.initEnvironment(); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if spec.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(spec.NumThreads); err != nil {
			return nil, fmt.Errorf("error setting intra-op threads: %w", err)
		}
		if err := options.SetInterOpNumThreads(1); err != nil {
			return nil, fmt.Errorf("error setting inter-op threads: %w", err)
		}
	}

	names := spec.Names
	session, err := ort.NewDynamicAdvancedSession(
		spec.WeightsPath,
		[]string{names.Image},
		[]string{names.Boxes, names.Classes, names.Scores},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	b.mu.Lock()
	b.sessions++
	b.mu.Unlock()

	slog.Debug("ONNX session created", "weights", spec.WeightsPath, "threads", spec.NumThreads)

	return &Session{session: session, owner: b}, nil
}

// Close tears down the ONNX environment once every session is closed.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sessions > 0 || !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

func (b *Backend) release() {
	b.mu.Lock()
	b.sessions--
	b.mu.Unlock()
}

// Session wraps a dynamic ONNX Runtime session.
type Session struct {
	session *ort.DynamicAdvancedSession
	owner   *Backend
	once    sync.Once
}

// Run executes one forward pass over a single CHW image.
func (s *Session) Run(ctx context.Context, in *backend.Input) (*backend.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(in.Image) != 3*in.Height*in.Width {
		return nil, fmt.Errorf("%w: %d values for %dx%d image", backend.ErrInvalidInput, len(in.Image), in.Height, in.Width)
	}

	input, err := ort.NewTensor(ort.NewShape(3, int64(in.Height), int64(in.Width)), in.Image)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	defer input.Destroy()

	// Output shapes depend on the number of detections, the runtime
	// allocates them.
	outputs := []ort.Value{nil, nil, nil}
	if err := s.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	out := &backend.Output{}
	if out.Boxes, err = float32Data(outputs[0]); err != nil {
		return nil, fmt.Errorf("boxes: %w", err)
	}
	if out.Classes, err = int64Data(outputs[1]); err != nil {
		return nil, fmt.Errorf("classes: %w", err)
	}
	if out.Scores, err = float32Data(outputs[2]); err != nil {
		return nil, fmt.Errorf("scores: %w", err)
	}

	return out, out.Validate()
}

// Close releases the session.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		err = s.session.Destroy()
		s.owner.release()
	})
	return err
}

func float32Data(v ort.Value) ([]float32, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return append([]float32(nil), t.GetData()...), nil
	case *ort.Tensor[float64]:
		return convert[float64, float32](t.GetData()), nil
	default:
		return nil, fmt.Errorf("unexpected output type %T", v)
	}
}

func int64Data(v ort.Value) ([]int64, error) {
	switch t := v.(type) {
	case *ort.Tensor[int64]:
		return append([]int64(nil), t.GetData()...), nil
	case *ort.Tensor[int32]:
		return convert[int32, int64](t.GetData()), nil
	case *ort.Tensor[float32]:
		return convert[float32, int64](t.GetData()), nil
	default:
		return nil, fmt.Errorf("unexpected output type %T", v)
	}
}

func convert[S, D int32 | int64 | float32 | float64](src []S) []D {
	out := make([]D, len(src))
	for i, v := range src {
		out[i] = D(v)
	}
	return out
}
