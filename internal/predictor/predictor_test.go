package predictor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.yaml.in/yaml/v3"

	"github.com/ekisa-team/detserve/internal/backend"
	"github.com/ekisa-team/detserve/internal/detection"
	"github.com/ekisa-team/detserve/internal/ndarray"
)

// --- Fakes ---

type fakeBackend struct {
	provider backend.Provider
	output   *backend.Output
	runErr   error

	mu     sync.Mutex
	loads  int
	inputs []*backend.Input
	specs  []*backend.Spec
}

func (f *fakeBackend) Provider() backend.Provider { return f.provider }
func (f *fakeBackend) Extensions() []string       { return []string{".onnx"} }
func (f *fakeBackend) Close() error               { return nil }

func (f *fakeBackend) Load(_ context.Context, spec *backend.Spec) (backend.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	f.specs = append(f.specs, spec)
	return &fakeSession{owner: f}, nil
}

type fakeSession struct {
	owner  *fakeBackend
	closed bool
}

func (s *fakeSession) Run(_ context.Context, in *backend.Input) (*backend.Output, error) {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.owner.inputs = append(s.owner.inputs, in)
	if s.owner.runErr != nil {
		return nil, s.owner.runErr
	}
	return s.owner.output, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newRegistry(t *testing.T, b backend.Backend) *backend.Registry {
	t.Helper()
	reg := backend.NewRegistry()
	require.NoError(t, reg.Register(b))
	return reg
}

// --- Config ---

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "MODEL:\n  META_ARCHITECTURE: GeneralizedRCNN\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 800, cfg.Input.MinSizeTest)
	assert.Equal(t, 1333, cfg.Input.MaxSizeTest)
	assert.Equal(t, "BGR", cfg.Input.Format)
	assert.Equal(t, float32(0.05), cfg.ScoreThreshold())
	assert.Equal(t, ndarray.BGR, cfg.ChannelOrder())
	assert.Equal(t, "image", cfg.Runtime.ImageName)
	assert.Equal(t, "", cfg.TestDataset())
}

func TestLoadConfig_BaseInheritance(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "configs"), 0o755))
	writeFile(t, dir, "configs/Base-RCNN-FPN.yaml", `
MODEL:
  META_ARCHITECTURE: GeneralizedRCNN
  ROI_HEADS:
    NUM_CLASSES: 80
    SCORE_THRESH_TEST: 0.3
INPUT:
  MIN_SIZE_TEST: 600
  FORMAT: RGB
DATASETS:
  TEST: ["coco_2017_val"]
`)
	path := writeFile(t, dir, "faster_rcnn.yaml", `
_BASE_: configs/Base-RCNN-FPN.yaml
MODEL:
  WEIGHTS: detectron2://ImageNetPretrained/MSRA/R-50.pkl
  ROI_HEADS:
    SCORE_THRESH_TEST: 0.7
RUNTIME:
  SESSIONS: 2
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, float32(0.7), cfg.ScoreThreshold())
	assert.Equal(t, 80, cfg.NumClasses())
	assert.Equal(t, 600, cfg.Input.MinSizeTest)
	assert.Equal(t, 1333, cfg.Input.MaxSizeTest)
	assert.Equal(t, ndarray.RGB, cfg.ChannelOrder())
	assert.Equal(t, "coco_2017_val", cfg.TestDataset())
	assert.Equal(t, 2, cfg.Runtime.Sessions)
	assert.NotContains(t, cfg.String(), "_BASE_")
}

func TestLoadConfig_TupleDatasets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Base-RCNN-FPN.yaml", `
MODEL:
  META_ARCHITECTURE: GeneralizedRCNN
DATASETS:
  TRAIN: ("coco_2017_train",)
  TEST: ("coco_2017_val",)
`)
	path := writeFile(t, dir, "mask_rcnn.yaml", "_BASE_: Base-RCNN-FPN.yaml\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "coco_2017_val", cfg.TestDataset())
	assert.Equal(t, DatasetNames{"coco_2017_train"}, cfg.Datasets.Train)
}

func TestDatasetNames_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want DatasetNames
	}{
		{"sequence", `TEST: ["a", "b"]`, DatasetNames{"a", "b"}},
		{"tuple", `TEST: ("a", 'b')`, DatasetNames{"a", "b"}},
		{"single tuple", `TEST: ("coco_2017_val",)`, DatasetNames{"coco_2017_val"}},
		{"empty tuple", `TEST: ()`, DatasetNames{}},
		{"bare name", `TEST: coco_2017_val`, DatasetNames{"coco_2017_val"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg DatasetsConfig
			require.NoError(t, yaml.Unmarshal([]byte(tt.doc), &cfg))
			assert.Equal(t, tt.want, cfg.Test)
		})
	}

	var cfg DatasetsConfig
	assert.Error(t, yaml.Unmarshal([]byte("TEST: {a: b}"), &cfg))
}

func TestLoadConfig_RetinaNetThreshold(t *testing.T) {
	path := writeFile(t, t.TempDir(), "retinanet.yaml", `
MODEL:
  META_ARCHITECTURE: RetinaNet
  RETINANET:
    SCORE_THRESH_TEST: 0.4
    NUM_CLASSES: 3
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, float32(0.4), cfg.ScoreThreshold())
	assert.Equal(t, 3, cfg.NumClasses())
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(writeFile(t, dir, "bad_format.yaml", "INPUT:\n  FORMAT: YUV\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = LoadConfig(writeFile(t, dir, "broken.yaml", "MODEL: [unclosed\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	writeFile(t, dir, "a.yaml", "_BASE_: b.yaml\n")
	writeFile(t, dir, "b.yaml", "_BASE_: a.yaml\n")
	_, err = LoadConfig(filepath.Join(dir, "a.yaml"))
	assert.ErrorIs(t, err, ErrBaseCycle)

	_, err = LoadConfig(writeFile(t, dir, "zoo.yaml", "_BASE_: detectron2://COCO-Detection/x.yaml\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_BackendSpec(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ssd.yaml", `
RUNTIME:
  NET_CONFIG: deploy.prototxt
  NUM_THREADS: 4
  TIMEOUT_SECONDS: 30
  COMMAND: python3
  ARGS: ["predict.py"]
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	spec := cfg.BackendSpec(path, filepath.Join(dir, "model.caffemodel"))
	assert.Equal(t, filepath.Join(dir, "deploy.prototxt"), spec.NetConfig)
	assert.Equal(t, 4, spec.NumThreads)
	assert.Equal(t, 30*time.Second, spec.Timeout)
	assert.Equal(t, "python3", spec.Command)
	assert.Equal(t, []string{"predict.py"}, spec.Args)
	assert.Equal(t, backend.DefaultTensorNames(), spec.Names)
}

// --- Transform ---

func TestShortestEdgeSize(t *testing.T) {
	tests := []struct {
		name             string
		h, w, short, max int
		wantH, wantW     int
	}{
		{"landscape", 480, 640, 800, 1333, 800, 1067},
		{"portrait", 640, 480, 800, 1333, 1067, 800},
		{"capped by max size", 100, 2000, 800, 1333, 67, 1333},
		{"disabled", 480, 640, 0, 1333, 480, 640},
		{"no cap", 100, 2000, 800, 0, 800, 16000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, w := ShortestEdgeSize(tt.h, tt.w, tt.short, tt.max)
			assert.Equal(t, tt.wantH, h)
			assert.Equal(t, tt.wantW, w)
		})
	}
}

func TestRescaleBoxes(t *testing.T) {
	boxes := rescaleBoxes([]float32{20, 40, 100, 200, -5, 0, 400, 300}, 240, 320, 120, 160)
	assert.Equal(t, []detection.Box{{10, 20, 50, 100}, {0, 0, 160, 120}}, boxes)
}

// --- Metadata ---

func TestLoadMetadata(t *testing.T) {
	dir := t.TempDir()

	md, err := LoadMetadata("coco_2017_val", dir)
	require.NoError(t, err)
	assert.Len(t, md.ThingClasses, 80)
	assert.Equal(t, "person", md.Label(0))
	assert.Equal(t, "toothbrush", md.Label(79))
	assert.Equal(t, "80", md.Label(80))

	md, err = LoadMetadata("balloon_val", dir)
	require.NoError(t, err)
	assert.Empty(t, md.ThingClasses)

	writeFile(t, dir, LabelsFile, "balloon\n\n  kite  \n")
	md, err = LoadMetadata("balloon_val", dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"balloon", "kite"}, md.ThingClasses)
}

// --- Pool ---

func TestSessionPool_AcquireRelease(t *testing.T) {
	fb := &fakeBackend{provider: backend.ProviderONNXRuntime}
	pool, err := NewSessionPool(context.Background(), func(ctx context.Context) (backend.Session, error) {
		return fb.Load(ctx, &backend.Spec{})
	}, 1, 20*time.Millisecond)
	require.NoError(t, err)

	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrAcquire)

	pool.Release(s)
	m := pool.Metrics()
	assert.Equal(t, 0, m.InUse)
	assert.Equal(t, int64(1), m.TotalAcquired)
	assert.Equal(t, int64(1), m.AcquireFailures)

	pool.Close()
	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.True(t, s.(*fakeSession).closed)
}

func TestSessionPool_Discard(t *testing.T) {
	fb := &fakeBackend{provider: backend.ProviderONNXRuntime}
	pool, err := NewSessionPool(context.Background(), func(ctx context.Context) (backend.Session, error) {
		return fb.Load(ctx, &backend.Spec{})
	}, 1, time.Second)
	require.NoError(t, err)
	defer pool.Close()

	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Discard(s)

	replacement, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, s, replacement)
	assert.Equal(t, int64(1), pool.Metrics().Discarded)
	pool.Release(replacement)
}

func TestNewSessionPool_FactoryError(t *testing.T) {
	_, err := NewSessionPool(context.Background(), func(context.Context) (backend.Session, error) {
		return nil, errors.New("no such file")
	}, 2, time.Second)
	assert.ErrorContains(t, err, "no such file")
}

// --- Predictor ---

func loadTestPredictor(t *testing.T, fb *fakeBackend, config string) *Predictor {
	t.Helper()
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", config)
	weights := writeFile(t, dir, "model_final.onnx", "weights")

	p, err := Load(context.Background(), newRegistry(t, fb), cfgPath, weights)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPredictor_Predict(t *testing.T) {
	fb := &fakeBackend{
		provider: backend.ProviderONNXRuntime,
		output: &backend.Output{
			Boxes:   []float32{20, 40, 100, 200, 0, 0, 10, 10},
			Scores:  []float32{0.9, 0.01},
			Classes: []int64{17, 0},
		},
	}
	p := loadTestPredictor(t, fb, `
INPUT:
  MIN_SIZE_TEST: 240
  MAX_SIZE_TEST: 1000
DATASETS:
  TEST: ["coco_2017_val"]
`)
	assert.Equal(t, "model_final", p.Name())
	assert.Equal(t, backend.ProviderONNXRuntime, p.Provider())

	data := make([]uint8, 120*160*3)
	for i := 0; i < len(data); i += 3 {
		data[i], data[i+1], data[i+2] = 10, 20, 30
	}
	pred, err := p.Predict(context.Background(), ndarray.New(data, 120, 160, 3))
	require.NoError(t, err)

	require.Len(t, fb.inputs, 1)
	in := fb.inputs[0]
	assert.Equal(t, 240, in.Height)
	assert.Equal(t, 320, in.Width)
	plane := in.Height * in.Width
	assert.InDelta(t, 10, in.Image[0], 1, "BGR models receive blue first")
	assert.InDelta(t, 30, in.Image[2*plane], 1)

	assert.Equal(t, 120, pred.Instances.ImageHeight)
	assert.Equal(t, 160, pred.Instances.ImageWidth)
	assert.Equal(t, []detection.Box{{10, 20, 50, 100}}, pred.Instances.Boxes)
	assert.Equal(t, []float32{0.9}, pred.Instances.Scores)
	assert.Equal(t, []int{17}, pred.Instances.Classes)
	assert.Equal(t, []string{"horse"}, pred.Instances.Labels)
	assert.Equal(t, "model_final", pred.Model)
}

func TestPredictor_PredictRGBAndThresholdOverride(t *testing.T) {
	fb := &fakeBackend{
		provider: backend.ProviderONNXRuntime,
		output: &backend.Output{
			Boxes:   []float32{0, 0, 1, 1, 0, 0, 2, 2},
			Scores:  []float32{0.9, 0.3},
			Classes: []int64{1, 2},
		},
	}
	p := loadTestPredictor(t, fb, "INPUT:\n  MIN_SIZE_TEST: 0\n  FORMAT: RGB\n")

	data := []uint8{1, 2, 3, 4, 5, 6}
	pred, err := p.Predict(context.Background(), ndarray.New(data, 1, 2, 3), WithScoreThreshold(0.5))
	require.NoError(t, err)

	assert.Equal(t, []float32{3, 6, 2, 5, 1, 4}, fb.inputs[0].Image)
	assert.Equal(t, 1, pred.Instances.Len())
	assert.Nil(t, pred.Instances.Labels)

	pred, err = p.Predict(context.Background(), ndarray.New(data, 1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, 2, pred.Instances.Len())
}

func TestPredictor_PredictFloatInput(t *testing.T) {
	fb := &fakeBackend{provider: backend.ProviderONNXRuntime, output: &backend.Output{}}
	p := loadTestPredictor(t, fb, "INPUT:\n  MIN_SIZE_TEST: 0\n")

	pred, err := p.Predict(context.Background(), ndarray.New([]float64{10, 20, 30}, 1, 1, 3))
	require.NoError(t, err)
	assert.Equal(t, 0, pred.Instances.Len())
	assert.Equal(t, []float32{10, 20, 30}, fb.inputs[0].Image)
}

func TestPredictor_PredictErrors(t *testing.T) {
	fb := &fakeBackend{provider: backend.ProviderONNXRuntime, runErr: errors.New("shape mismatch")}
	p := loadTestPredictor(t, fb, "INPUT:\n  MIN_SIZE_TEST: 0\n")

	_, err := p.Predict(context.Background(), ndarray.New(make([]uint8, 4), 2, 2))
	assert.ErrorIs(t, err, ndarray.ErrShape)

	_, err = p.Predict(context.Background(), ndarray.New([]float32{10, 300, -5}, 1, 1, 3))
	assert.ErrorIs(t, err, ndarray.ErrDtype)
	assert.Empty(t, fb.inputs)

	_, err = p.Predict(context.Background(), ndarray.New(make([]uint8, 3), 1, 1, 3))
	assert.ErrorContains(t, err, "shape mismatch")

	require.NoError(t, p.Close())
	_, err = p.Predict(context.Background(), ndarray.New(make([]uint8, 3), 1, 1, 3))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLoad_BackendSelection(t *testing.T) {
	dir := t.TempDir()
	weights := writeFile(t, dir, "model.onnx", "w")
	fb := &fakeBackend{provider: backend.ProviderONNXRuntime}
	reg := newRegistry(t, fb)

	_, err := Load(context.Background(), reg, writeFile(t, dir, "a.yaml", "RUNTIME:\n  BACKEND: opencv\n"), weights)
	assert.ErrorIs(t, err, backend.ErrNotFound)

	_, err = Load(context.Background(), reg, writeFile(t, dir, "b.yaml", ""), filepath.Join(dir, "model.pkl"))
	assert.ErrorIs(t, err, backend.ErrUnsupportedWeights)

	p, err := Load(context.Background(), reg, writeFile(t, dir, "c.yaml", "RUNTIME:\n  SESSIONS: 3\n"), weights)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, 3, fb.loads)
	assert.Equal(t, weights, p.Config().Model.Weights)
	assert.Equal(t, weights, fb.specs[0].WeightsPath)
}
