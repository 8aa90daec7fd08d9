//go:build !opencv

package opencv

import (
	"context"

	"github.com/ekisa-team/detserve/internal/backend"
)

// Backend is a placeholder used when OpenCV is not linked.
type Backend struct{}

// NewBackend reports that OpenCV support is unavailable.
func NewBackend() (*Backend, error) {
	return nil, ErrUnavailable
}

// Provider returns the backend identifier.
func (b *Backend) Provider() backend.Provider {
	return backend.ProviderOpenCV
}

// Extensions lists the weights file extensions the backend can load.
func (b *Backend) Extensions() []string {
	return Extensions()
}

// Load always fails without OpenCV.
func (b *Backend) Load(context.Context, *backend.Spec) (backend.Session, error) {
	return nil, ErrUnavailable
}

// Close cleans up resources.
func (b *Backend) Close() error {
	return nil
}
