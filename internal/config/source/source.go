// Package source resolves a configured model source to a local directory.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ekisa-team/detserve/internal/config"
	"github.com/ekisa-team/detserve/internal/xfs"
)

// ErrUnknownSource is returned for source types without a downloader.
var ErrUnknownSource = errors.New("no downloader for model source")

// Downloader makes a model available on disk. It returns the directory and
// whether it was already present.
type Downloader interface {
	Download(ctx context.Context, modelConfig *config.ModelConfig, targetDir string) (string, bool, error)
}

// GetDownloader returns the downloader for a source type.
func GetDownloader(_ context.Context, t config.SourceType) (Downloader, error) {
	switch t {
	case config.SourceTypeLocal:
		return &LocalDownloader{}, nil
	case config.SourceTypeHuggingFace:
		return &HuggingFaceDownloader{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, t)
	}
}

// EnsureModelsDirectory creates the models cache directory.
func EnsureModelsDirectory(path string) error {
	return os.MkdirAll(path, 0o755)
}

// LocalDownloader serves a directory already on disk.
type LocalDownloader struct{}

// Download checks that the configured directory exists.
func (LocalDownloader) Download(_ context.Context, modelConfig *config.ModelConfig, _ string) (string, bool, error) {
	src, err := modelConfig.GetSource()
	if err != nil {
		return "", false, fmt.Errorf("failed to get model source: %w", err)
	}

	local, ok := src.(config.LocalSource)
	if !ok {
		return "", false, fmt.Errorf("invalid source type: %T", src)
	}

	dir := xfs.ExpandTilde(local.Path)
	if !xfs.IsDir(dir) {
		return "", false, fmt.Errorf("model directory %s does not exist", dir)
	}
	return dir, true, nil
}
