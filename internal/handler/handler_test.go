package handler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/ekisa-team/detserve/internal/backend"
	"github.com/ekisa-team/detserve/internal/codec"
	"github.com/ekisa-team/detserve/internal/detection"
	"github.com/ekisa-team/detserve/internal/ndarray"
	"github.com/ekisa-team/detserve/internal/predictor"
)

// --- Mock types ---

type MockModel struct {
	mock.Mock
}

func (m *MockModel) Predict(ctx context.Context, arr *tensor.Dense, opts ...predictor.PredictOption) (*detection.Prediction, error) {
	args := m.Called(ctx, arr)
	if p, ok := args.Get(0).(*detection.Prediction); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockModel) Name() string { return "mock" }
func (m *MockModel) Close() error { return nil }

type stubBackend struct{}

func (stubBackend) Provider() backend.Provider { return backend.ProviderONNXRuntime }
func (stubBackend) Extensions() []string       { return []string{".onnx"} }
func (stubBackend) Close() error               { return nil }
func (stubBackend) Load(context.Context, *backend.Spec) (backend.Session, error) {
	return stubSession{}, nil
}

type stubSession struct{}

func (stubSession) Run(_ context.Context, in *backend.Input) (*backend.Output, error) {
	return &backend.Output{
		Boxes:   []float32{0, 0, float32(in.Width), float32(in.Height)},
		Scores:  []float32{0.99},
		Classes: []int64{0},
	}, nil
}
func (stubSession) Close() error { return nil }

func newHandler(t *testing.T) *Handler {
	t.Helper()
	reg := backend.NewRegistry()
	require.NoError(t, reg.Register(stubBackend{}))
	return New(reg)
}

func writeModelDir(t *testing.T, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		content := ""
		if filepath.Ext(f) == ".yaml" {
			content = "INPUT:\n  MIN_SIZE_TEST: 0\nDATASETS:\n  TEST: [\"coco_2017_val\"]\n"
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte(content), 0o600))
	}
	return dir
}

// --- Tests ---

func TestHandler_InputFnNPY(t *testing.T) {
	h := newHandler(t)
	orig := ndarray.New([]uint8{1, 2, 3, 4, 5, 6}, 1, 2, 3)

	var buf bytes.Buffer
	require.NoError(t, ndarray.EncodeNPY(&buf, orig))

	arr, err := h.InputFn(buf.Bytes(), codec.ContentTypeNPY)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, []int(arr.Shape()))
	assert.Equal(t, orig.Data(), arr.Data())
}

func TestHandler_InputFnUnsupported(t *testing.T) {
	_, err := newHandler(t).InputFn([]byte("a,b,c"), "text/csv")
	assert.ErrorIs(t, err, codec.ErrUnsupportedContentType)
}

func TestHandler_ModelFnMissingFiles(t *testing.T) {
	h := newHandler(t)

	_, err := h.ModelFn(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrConfigNotFound)

	_, err = h.ModelFn(context.Background(), writeModelDir(t, "config.yaml"))
	assert.ErrorIs(t, err, ErrWeightsNotFound)

	_, err = h.ModelFn(context.Background(), writeModelDir(t, "model.onnx"))
	assert.ErrorIs(t, err, ErrConfigNotFound)

	_, err = h.ModelFn(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestHandler_ModelFnLoadError(t *testing.T) {
	dir := writeModelDir(t, "model.onnx")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("INPUT:\n  FORMAT: HSV\n"), 0o600))

	_, err := newHandler(t).ModelFn(context.Background(), dir)
	assert.ErrorIs(t, err, ErrModelLoad)
	assert.ErrorIs(t, err, predictor.ErrInvalidConfig)
}

func TestFindModelFiles_LexicalOrder(t *testing.T) {
	dir := writeModelDir(t, "b_config.yaml", "a_config.yml", "z.onnx", "m.onnx", "notes.txt")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "0_dir.yaml"), 0o755))

	cfg, weights, err := FindModelFiles(dir, []string{".onnx"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a_config.yml"), cfg)
	assert.Equal(t, filepath.Join(dir, "m.onnx"), weights)
}

func TestHandler_PredictFn(t *testing.T) {
	h := newHandler(t)
	arr := ndarray.New(make([]uint8, 3), 1, 1, 3)
	want := &detection.Prediction{Instances: &detection.Instances{ImageHeight: 1, ImageWidth: 1}}

	m := new(MockModel)
	m.On("Predict", mock.Anything, arr).Return(want, nil).Once()
	got, err := h.PredictFn(context.Background(), arr, m)
	require.NoError(t, err)
	assert.Same(t, want, got)

	m.On("Predict", mock.Anything, arr).Return(nil, errors.New("boom")).Once()
	_, err = h.PredictFn(context.Background(), arr, m)
	assert.ErrorIs(t, err, ErrPrediction)

	_, err = h.PredictFn(context.Background(), nil, m)
	assert.ErrorIs(t, err, ErrNoInput)

	_, err = h.PredictFn(context.Background(), arr, nil)
	assert.ErrorIs(t, err, ErrNoModel)

	m.AssertExpectations(t)
}

func TestHandler_OutputFn(t *testing.T) {
	h := newHandler(t)
	pred := &detection.Prediction{Instances: &detection.Instances{
		ImageHeight: 2,
		ImageWidth:  2,
		Boxes:       []detection.Box{{0, 0, 1, 1}},
		Scores:      []float32{0.5},
		Classes:     []int{3},
	}}

	body, contentType, err := h.OutputFn(pred, "")
	require.NoError(t, err)
	assert.Equal(t, codec.ContentTypeProtobuf, contentType)

	got, err := codec.DecodePrediction(body, contentType)
	require.NoError(t, err)
	assert.Equal(t, pred.Instances, got.Instances)

	_, _, err = h.OutputFn(pred, "text/csv")
	assert.ErrorIs(t, err, codec.ErrUnsupportedAccept)

	_, _, err = h.OutputFn(nil, "")
	assert.ErrorIs(t, err, codec.ErrEncode)
}

func TestHandler_FullSequence(t *testing.T) {
	h := newHandler(t)
	dir := writeModelDir(t, "config.yaml", "model_final.onnx")

	var buf bytes.Buffer
	require.NoError(t, ndarray.EncodeNPY(&buf, ndarray.New(make([]uint8, 4*6*3), 4, 6, 3)))

	input, err := h.InputFn(buf.Bytes(), codec.ContentTypeNPY)
	require.NoError(t, err)

	model, err := h.ModelFn(context.Background(), dir)
	require.NoError(t, err)
	defer model.Close()

	pred, err := h.PredictFn(context.Background(), input, model)
	require.NoError(t, err)
	assert.Equal(t, []detection.Box{{0, 0, 6, 4}}, pred.Instances.Boxes)
	assert.Equal(t, []string{"person"}, pred.Instances.Labels)

	body, contentType, err := h.OutputFn(pred, codec.ContentTypeJSON)
	require.NoError(t, err)
	assert.Equal(t, codec.ContentTypeJSON, contentType)
	assert.Contains(t, string(body), `"person"`)
}
