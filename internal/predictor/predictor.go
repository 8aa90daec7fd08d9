// Package predictor wraps a runtime session with the test-time pipeline of a
// Detectron2 style detector: channel order, shortest-edge resize, box
// rescaling, score filtering and dataset labels.
package predictor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gorgonia.org/tensor"

	"github.com/ekisa-team/detserve/internal/backend"
	"github.com/ekisa-team/detserve/internal/detection"
	"github.com/ekisa-team/detserve/internal/ndarray"
)

// Predictor runs detections for one loaded model.
type Predictor struct {
	cfg         *Config
	configPath  string
	weightsPath string
	provider    backend.Provider
	metadata    *Metadata
	pool        *SessionPool
	name        string

	mu     sync.RWMutex
	closed bool
}

type options struct {
	sessions       int
	acquireTimeout time.Duration
}

// Option configures Load.
type Option func(*options)

// WithSessions overrides RUNTIME.SESSIONS.
func WithSessions(n int) Option {
	return func(o *options) { o.sessions = n }
}

// WithAcquireTimeout sets how long Predict waits for a free session.
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *options) { o.acquireTimeout = d }
}

// Load builds a predictor from a detection config and a weights file.
// MODEL.WEIGHTS is always replaced by weightsPath.
func Load(ctx context.Context, reg *backend.Registry, configPath, weightsPath string, opts ...Option) (*Predictor, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Model.Weights = weightsPath
	slog.Debug("Detection config", "path", configPath, "config", cfg.String())

	var b backend.Backend
	if cfg.Runtime.Backend != "" {
		var ok bool
		if b, ok = reg.Get(backend.Provider(cfg.Runtime.Backend)); !ok {
			return nil, fmt.Errorf("%w: %s", backend.ErrNotFound, cfg.Runtime.Backend)
		}
	} else if b, err = reg.ForWeights(weightsPath); err != nil {
		return nil, err
	}

	metadata, err := LoadMetadata(cfg.TestDataset(), filepath.Dir(configPath))
	if err != nil {
		return nil, err
	}
	if n := len(metadata.ThingClasses); n > 0 && n != cfg.NumClasses() {
		slog.Warn("Class names do not match NUM_CLASSES", "names", n, "num_classes", cfg.NumClasses())
	}

	sessions := o.sessions
	if sessions <= 0 {
		sessions = cfg.Runtime.Sessions
	}

	spec := cfg.BackendSpec(configPath, weightsPath)
	pool, err := NewSessionPool(ctx, func(ctx context.Context) (backend.Session, error) {
		return b.Load(ctx, spec)
	}, sessions, o.acquireTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s with %s: %w", filepath.Base(weightsPath), b.Provider(), err)
	}

	name := strings.TrimSuffix(filepath.Base(weightsPath), filepath.Ext(weightsPath))
	slog.Info("Predictor loaded",
		"model", name,
		"backend", b.Provider(),
		"sessions", sessions,
		"format", cfg.Input.Format,
		"dataset", metadata.Name,
		"score_threshold", cfg.ScoreThreshold(),
	)

	return &Predictor{
		cfg:         cfg,
		configPath:  configPath,
		weightsPath: weightsPath,
		provider:    b.Provider(),
		metadata:    metadata,
		pool:        pool,
		name:        name,
	}, nil
}

// PredictOption adjusts a single Predict call.
type PredictOption func(*predictOptions)

type predictOptions struct {
	threshold *float32
}

// WithScoreThreshold overrides the config threshold for one call.
func WithScoreThreshold(t float32) PredictOption {
	return func(o *predictOptions) { o.threshold = &t }
}

// Predict runs the model on an H x W x 3 image in BGR order.
func (p *Predictor) Predict(ctx context.Context, arr *tensor.Dense, opts ...PredictOption) (*detection.Prediction, error) {
	o := &predictOptions{}
	for _, opt := range opts {
		opt(o)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	start := time.Now()

	if err := ndarray.ValidateImage(arr); err != nil {
		return nil, err
	}
	arr, err := ndarray.AsUint8(arr)
	if err != nil {
		return nil, err
	}

	img, err := ndarray.ToImage(arr, ndarray.BGR)
	if err != nil {
		return nil, err
	}
	origH, origW := img.Bounds().Dy(), img.Bounds().Dx()

	resized := ResizeShortestEdge(img, p.cfg.Input.MinSizeTest, p.cfg.Input.MaxSizeTest)
	inH, inW := resized.Bounds().Dy(), resized.Bounds().Dx()

	in := &backend.Input{
		Image:  ndarray.CHW(resized, p.cfg.ChannelOrder()),
		Height: inH,
		Width:  inW,
	}

	session, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	out, err := session.Run(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			p.pool.Release(session)
		} else {
			p.pool.Discard(session)
		}
		return nil, err
	}
	p.pool.Release(session)

	if err := out.Validate(); err != nil {
		return nil, err
	}

	instances := &detection.Instances{
		ImageHeight: origH,
		ImageWidth:  origW,
		Boxes:       rescaleBoxes(out.Boxes, inH, inW, origH, origW),
		Scores:      out.Scores,
		Classes:     make([]int, len(out.Classes)),
	}
	for i, c := range out.Classes {
		instances.Classes[i] = int(c)
	}
	if len(p.metadata.ThingClasses) > 0 {
		instances.Labels = make([]string, len(instances.Classes))
		for i, c := range instances.Classes {
			instances.Labels[i] = p.metadata.Label(c)
		}
	}

	threshold := p.cfg.ScoreThreshold()
	if o.threshold != nil {
		threshold = *o.threshold
	}
	instances = instances.Filter(threshold)

	elapsed := time.Since(start)
	slog.Debug("Prediction done",
		"input", fmt.Sprintf("%dx%d", origW, origH),
		"network_input", fmt.Sprintf("%dx%d", inW, inH),
		"raw", out.Len(),
		"kept", instances.Len(),
		"elapsed", elapsed,
	)

	return &detection.Prediction{
		Instances: instances,
		Model:     p.name,
		Elapsed:   elapsed,
	}, nil
}

// Name returns the model name derived from the weights file.
func (p *Predictor) Name() string { return p.name }

// Provider returns the backend running the model.
func (p *Predictor) Provider() backend.Provider { return p.provider }

// Config returns the merged detection config.
func (p *Predictor) Config() *Config { return p.cfg }

// Metadata returns the dataset metadata.
func (p *Predictor) Metadata() *Metadata { return p.metadata }

// ConfigPath returns the detection config path.
func (p *Predictor) ConfigPath() string { return p.configPath }

// WeightsPath returns the weights path.
func (p *Predictor) WeightsPath() string { return p.weightsPath }

// PoolMetrics returns the session pool counters.
func (p *Predictor) PoolMetrics() PoolMetrics { return p.pool.Metrics() }

// Close waits for in-flight predictions and releases the sessions.
func (p *Predictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.pool.Close()
	return nil
}
