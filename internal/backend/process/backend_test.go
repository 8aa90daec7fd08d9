package process

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/detserve/internal/backend"
	"github.com/ekisa-team/detserve/internal/ndarray"
)

type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, []byte, error) {
	data, _ := io.ReadAll(stdin)
	ret := m.Called(name, args, data)
	return ret.Get(0).([]byte), ret.Get(1).([]byte), ret.Error(2)
}

func testSpec() *backend.Spec {
	return &backend.Spec{
		ConfigPath:  "/opt/ml/model/config.yaml",
		WeightsPath: "/opt/ml/model/model_final.pth",
		Command:     "python3",
		Args:        []string{"tools/forward.py"},
	}
}

func TestSession_Run(t *testing.T) {
	runner := new(MockRunner)
	wantArgs := []string{"tools/forward.py", "--config", "/opt/ml/model/config.yaml", "--weights", "/opt/ml/model/model_final.pth"}

	runner.On("Run", "python3", wantArgs, mock.MatchedBy(func(data []byte) bool {
		arr, err := ndarray.DecodeNPY(bytes.NewReader(data))
		return err == nil && assert.ObjectsAreEqual([]int{3, 1, 2}, []int(arr.Shape()))
	})).Return([]byte(`{"boxes": [[1, 2, 3, 4]], "scores": [0.8], "classes": [5]}`), []byte(nil), nil)

	b := NewBackendWithRunner(runner)
	sess, err := b.Load(context.Background(), testSpec())
	require.NoError(t, err)

	out, err := sess.Run(context.Background(), &backend.Input{Image: make([]float32, 6), Height: 1, Width: 2})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, out.Boxes)
	assert.Equal(t, []float32{0.8}, out.Scores)
	assert.Equal(t, []int64{5}, out.Classes)

	runner.AssertExpectations(t)
}

func TestSession_RunCommandFailure(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", mock.Anything, mock.Anything, mock.Anything).
		Return([]byte(nil), []byte("CUDA out of memory"), errors.New("exit status 1"))

	sess, err := NewBackendWithRunner(runner).Load(context.Background(), testSpec())
	require.NoError(t, err)

	_, err = sess.Run(context.Background(), &backend.Input{Image: make([]float32, 3), Height: 1, Width: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestSession_RunMisalignedOutput(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", mock.Anything, mock.Anything, mock.Anything).
		Return([]byte(`{"boxes": [], "scores": [0.8], "classes": [1]}`), []byte(nil), nil)

	sess, err := NewBackendWithRunner(runner).Load(context.Background(), testSpec())
	require.NoError(t, err)

	_, err = sess.Run(context.Background(), &backend.Input{Image: make([]float32, 3), Height: 1, Width: 1})
	assert.ErrorIs(t, err, backend.ErrMalformedOutput)
}

func TestSession_RunBoxLength(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
	}{
		{"short box", `{"boxes": [[1, 2, 3]], "scores": [0.8], "classes": [1]}`},
		{"long box", `{"boxes": [[1, 2, 3, 4, 5]], "scores": [0.8], "classes": [1]}`},
		{"empty box", `{"boxes": [[]], "scores": [0.8], "classes": [1]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := new(MockRunner)
			runner.On("Run", mock.Anything, mock.Anything, mock.Anything).
				Return([]byte(tt.stdout), []byte(nil), nil)

			sess, err := NewBackendWithRunner(runner).Load(context.Background(), testSpec())
			require.NoError(t, err)

			out, err := sess.Run(context.Background(), &backend.Input{Image: make([]float32, 3), Height: 1, Width: 1})
			assert.ErrorIs(t, err, backend.ErrMalformedOutput)
			assert.Nil(t, out)
		})
	}
}

func TestSession_RunInvalidInput(t *testing.T) {
	sess, err := NewBackendWithRunner(new(MockRunner)).Load(context.Background(), testSpec())
	require.NoError(t, err)

	_, err = sess.Run(context.Background(), &backend.Input{Image: make([]float32, 2), Height: 1, Width: 1})
	assert.ErrorIs(t, err, backend.ErrInvalidInput)
}

func TestBackend_LoadWithoutCommand(t *testing.T) {
	spec := testSpec()
	spec.Command = ""

	_, err := NewBackend().Load(context.Background(), spec)
	assert.ErrorIs(t, err, ErrCommandNotConfigured)
}
