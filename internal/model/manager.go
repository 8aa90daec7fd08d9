package model

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/ekisa-team/detserve/internal/config"
	"github.com/ekisa-team/detserve/internal/config/source"
	"github.com/ekisa-team/detserve/internal/envvar"
	"github.com/ekisa-team/detserve/internal/predictor"
	"github.com/ekisa-team/detserve/internal/xfs"
)

// Loader deserializes a predictor from a model directory.
type Loader interface {
	ModelFn(ctx context.Context, dir string) (*predictor.Predictor, error)
}

// DownloaderFunc resolves the downloader for a source type.
type DownloaderFunc func(ctx context.Context, t config.SourceType) (source.Downloader, error)

// Manager owns the served model and swaps it on reload. A failed reload
// keeps the previous model serving.
type Manager struct {
	loader        Loader
	getDownloader DownloaderFunc
	registry      *Registry
	activeID      string
	last          *config.Config
	listeners     []func(*Instance)
	mu            sync.RWMutex
	loadMu        sync.Mutex
}

// NewManager creates a new Manager loading models with loader.
func NewManager(loader Loader) *Manager {
	return &Manager{
		loader:        loader,
		getDownloader: source.GetDownloader,
		registry:      NewRegistry(),
	}
}

// NewManagerWithDownloader creates a Manager with a custom downloader lookup.
func NewManagerWithDownloader(loader Loader, fn DownloaderFunc) *Manager {
	m := NewManager(loader)
	m.getDownloader = fn
	return m
}

// Registry returns the model registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// OnChange registers fn to be called after every load attempt.
func (m *Manager) OnChange(fn func(*Instance)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, fn)
}

// LoadFromConfig resolves the configured source and loads the model found
// there.
func (m *Manager) LoadFromConfig(ctx context.Context, cfg *config.Config) error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	m.mu.Lock()
	m.last = cfg
	m.mu.Unlock()

	id := cfg.Model.ID
	if id == "" {
		id = "model"
	}

	dir, err := m.resolveDir(ctx, cfg)
	if err != nil {
		instance := NewInstance(id, "")
		instance.setFailed(err)
		m.finish(instance, false)
		return err
	}

	instance := NewInstance(id, dir)
	instance.SetStatus(StatusLoading)
	slog.Info("Loading model", "model_id", id, "dir", dir)

	p, err := m.loader.ModelFn(ctx, dir)
	if err != nil {
		instance.setFailed(err)
		m.finish(instance, false)
		return fmt.Errorf("failed to load model %s from %s: %w", id, dir, err)
	}

	instance.setLoaded(p)
	m.finish(instance, true)
	return nil
}

// Reload loads the last configuration again.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.RLock()
	cfg := m.last
	m.mu.RUnlock()

	if cfg == nil {
		return ErrNotConfigured
	}
	return m.LoadFromConfig(ctx, cfg)
}

// finish records instance. A loaded instance replaces the active one, a
// failed one is only recorded when nothing else is serving.
func (m *Manager) finish(instance *Instance, loaded bool) {
	m.mu.Lock()
	var prev *Instance
	switch {
	case loaded:
		if m.activeID != "" && m.activeID != instance.ID {
			prev = m.registry.Delete(m.activeID)
		}
		if replaced := m.registry.Set(instance); replaced != nil {
			prev = replaced
		}
		m.activeID = instance.ID
	case m.activeID == "":
		m.registry.Set(instance)
	default:
		slog.Warn("Model reload failed, keeping the previous model", "model_id", m.activeID, "error", instance.Info().Error)
	}
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	if prev != nil && prev != instance {
		if err := prev.unload(); err != nil {
			slog.Warn("Failed to unload previous model", "model_id", prev.ID, "error", err)
		} else {
			slog.Info("Model unloaded successfully", "model_entry", prev.ID)
		}
	}

	for _, fn := range listeners {
		fn(instance)
	}
}

// Active returns the serving instance.
func (m *Manager) Active() (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.activeID == "" {
		return nil, false
	}
	return m.registry.Get(m.activeID)
}

// Predictor returns the serving predictor.
func (m *Manager) Predictor() (*predictor.Predictor, error) {
	instance, ok := m.Active()
	if !ok {
		return nil, ErrNotLoaded
	}
	p := instance.Predictor()
	if p == nil {
		return nil, ErrNotLoaded
	}
	return p, nil
}

// Ready reports whether a model is serving.
func (m *Manager) Ready() bool {
	_, err := m.Predictor()
	return err == nil
}

// Close unloads every model.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var first error
	for _, instance := range m.registry.List() {
		if err := instance.unload(); err != nil && first == nil {
			first = err
		}
		m.registry.Delete(instance.ID)
	}
	m.activeID = ""
	return first
}

func (m *Manager) resolveDir(ctx context.Context, cfg *config.Config) (string, error) {
	modelSource, err := cfg.Model.GetSource()
	if err != nil {
		return "", err
	}

	downloader, err := m.getDownloader(ctx, modelSource.Type())
	if err != nil {
		return "", fmt.Errorf("failed to get downloader: %w", err)
	}

	modelsPath := resolveModelsPath(cfg)
	if modelSource.Type() != config.SourceTypeLocal {
		if err := source.EnsureModelsDirectory(modelsPath); err != nil {
			return "", fmt.Errorf("failed to prepare models directory %s: %w", modelsPath, err)
		}
	}

	dir, cached, err := downloader.Download(ctx, &cfg.Model, modelsPath)
	if err != nil {
		return "", fmt.Errorf("failed to fetch model into %s: %w", modelsPath, err)
	}
	slog.Debug("Model source resolved", "type", modelSource.Type(), "dir", dir, "cached", cached)
	return dir, nil
}

// resolveModelsPath returns the path to the models cache directory.
// Precedence:
// 1. DETSERVE_MODELS_PATH environment variable.
// 2. ModelsDir field in the config.
// 3. Default models path.
func resolveModelsPath(cfg *config.Config) string {
	if p := os.Getenv(envvar.DetserveModelsPath); p != "" {
		return xfs.ExpandTilde(p)
	}
	if cfg.Storage.ModelsDir != "" {
		return xfs.ExpandTilde(cfg.Storage.ModelsDir)
	}
	return xfs.ExpandTilde(config.DefaultModelsPath())
}
