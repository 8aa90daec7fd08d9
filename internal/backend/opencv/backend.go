//go:build opencv

// Package opencv implements backend.Backend with the OpenCV DNN module. It is
// compiled only with the "opencv" build tag since it links against OpenCV.
package opencv

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"

	"gocv.io/x/gocv"

	"github.com/ekisa-team/detserve/internal/backend"
)

// Backend implements backend.Backend for OpenCV DNN networks.
type Backend struct{}

// NewBackend creates a new OpenCV backend.
func NewBackend() (*Backend, error) {
	return &Backend{}, nil
}

// Provider returns the backend identifier.
func (b *Backend) Provider() backend.Provider {
	return backend.ProviderOpenCV
}

// Extensions lists the weights file extensions the backend can load.
func (b *Backend) Extensions() []string {
	return Extensions()
}

// Load reads the network from the weights file and the optional network
// description in spec.NetConfig.
func (b *Backend) Load(ctx context.Context, spec *backend.Spec) (backend.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	net := gocv.ReadNet(spec.WeightsPath, spec.NetConfig)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", spec.WeightsPath)
	}

	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set preferable backend or target")
	}

	slog.Debug("OpenCV network loaded", "weights", spec.WeightsPath, "net_config", spec.NetConfig)

	return &Session{net: net}, nil
}

// Close cleans up resources.
func (b *Backend) Close() error {
	return nil
}

// Session wraps a gocv.Net. Nets are not safe for concurrent use.
type Session struct {
	net gocv.Net
	mu  sync.Mutex
}

// Run feeds the image to the network and parses an SSD style [N, 7]
// detection output with normalized coordinates.
func (s *Session) Run(ctx context.Context, in *backend.Input) (*backend.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plane := in.Height * in.Width
	if len(in.Image) != 3*plane {
		return nil, fmt.Errorf("%w: %d values for %dx%d image", backend.ErrInvalidInput, len(in.Image), in.Height, in.Width)
	}

	// CHW float planes to an interleaved 8-bit matrix.
	hwc := make([]byte, 3*plane)
	for c := 0; c < 3; c++ {
		for i := 0; i < plane; i++ {
			hwc[i*3+c] = uint8(math.Max(0, math.Min(255, math.Round(float64(in.Image[c*plane+i])))))
		}
	}

	mat, err := gocv.NewMatFromBytes(in.Height, in.Width, gocv.MatTypeCV8UC3, hwc)
	if err != nil {
		return nil, fmt.Errorf("failed to build input matrix: %w", err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0, image.Pt(in.Width, in.Height), gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.net.SetInput(blob, "")
	output := s.net.Forward("")
	defer output.Close()

	rows := output.Reshape(1, output.Total()/7)
	defer rows.Close()

	out := &backend.Output{}
	w, h := float32(in.Width), float32(in.Height)
	for i := 0; i < rows.Rows(); i++ {
		out.Classes = append(out.Classes, int64(rows.GetFloatAt(i, 1)))
		out.Scores = append(out.Scores, rows.GetFloatAt(i, 2))
		out.Boxes = append(out.Boxes,
			rows.GetFloatAt(i, 3)*w,
			rows.GetFloatAt(i, 4)*h,
			rows.GetFloatAt(i, 5)*w,
			rows.GetFloatAt(i, 6)*h,
		)
	}

	return out, out.Validate()
}

// Close releases the network.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.net.Close()
}
