package predictor_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/cane-disease-api/internal/imageproc"
	"github.com/Brownie44l1/cane-disease-api/internal/model"
	"github.com/Brownie44l1/cane-disease-api/internal/predictor"
)

// mockClassifier implements predictor.Classifier.
type mockClassifier struct {
	ClassifyFunc func(ctx context.Context, input *model.Tensor) ([]float32, error)

	mu    sync.Mutex
	calls []*model.Tensor
}

func (m *mockClassifier) Classify(ctx context.Context, input *model.Tensor) ([]float32, error) {
	m.mu.Lock()
	m.calls = append(m.calls, input)
	m.mu.Unlock()
	return m.ClassifyFunc(ctx, input)
}

func fixed(dist ...float32) func(context.Context, *model.Tensor) ([]float32, error) {
	return func(context.Context, *model.Tensor) ([]float32, error) { return dist, nil }
}

// softmaxOfChannelMeans produces a valid distribution that depends on the
// pixel data, so different images yield different predictions.
func softmaxOfChannelMeans(_ context.Context, input *model.Tensor) ([]float32, error) {
	logits := make([]float64, len(model.Classes))
	for i, v := range input.Data {
		logits[i%len(logits)] += float64(v)
	}
	var sum float64
	for i := range logits {
		logits[i] = math.Exp(logits[i] / float64(len(input.Data)) / 32)
		sum += logits[i]
	}
	dist := make([]float32, len(logits))
	for i := range logits {
		dist[i] = float32(logits[i] / sum)
	}
	return dist, nil
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func gradient(w, h int, alpha func(x, y int) uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: uint8((x + y) % 256),
				A: alpha(x, y),
			})
		}
	}
	return img
}

func opaque(int, int) uint8 { return 0xff }

func TestService_Predict_ArgMax(t *testing.T) {
	tests := []struct {
		name      string
		dist      []float32
		wantLabel string
		wantProb  float32
	}{
		{name: "healthy", dist: []float32{0.8, 0.05, 0.05, 0.05, 0.05}, wantLabel: "Healthy", wantProb: 0.8},
		{name: "rust", dist: []float32{0.1, 0.1, 0.1, 0.6, 0.1}, wantLabel: "Rust", wantProb: 0.6},
		{name: "yellow", dist: []float32{0, 0, 0, 0, 1}, wantLabel: "Yellow", wantProb: 1},
		{name: "tie resolves to lowest index", dist: []float32{0.1, 0.35, 0.35, 0.1, 0.1}, wantLabel: "Mosaic", wantProb: 0.35},
	}

	data := pngBytes(t, gradient(40, 30, opaque))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := predictor.NewService(&mockClassifier{ClassifyFunc: fixed(tt.dist...)})

			res, err := svc.Predict(context.Background(), data)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLabel, res.Label)
			assert.Equal(t, tt.wantProb, res.Probability)
		})
	}
}

func TestService_Predict_AnyImageYieldsKnownLabel(t *testing.T) {
	svc := predictor.NewService(&mockClassifier{ClassifyFunc: softmaxOfChannelMeans})

	for _, sz := range []image.Point{{1, 1}, {7, 300}, {180, 180}, {512, 256}} {
		for _, alpha := range []func(int, int) uint8{opaque, func(x, y int) uint8 { return uint8(x + y + 1) }} {
			res, err := svc.Predict(context.Background(), pngBytes(t, gradient(sz.X, sz.Y, alpha)))
			require.NoError(t, err)

			assert.Contains(t, model.Classes, res.Label)
			assert.GreaterOrEqual(t, res.Probability, float32(0))
			assert.LessOrEqual(t, res.Probability, float32(1))
		}
	}
}

func TestService_Predict_TensorHandedToClassifier(t *testing.T) {
	mock := &mockClassifier{ClassifyFunc: fixed(0.2, 0.2, 0.2, 0.2, 0.2)}
	svc := predictor.NewService(mock)

	_, err := svc.Predict(context.Background(), pngBytes(t, gradient(333, 111, opaque)))
	require.NoError(t, err)

	require.Len(t, mock.calls, 1)
	assert.Equal(t, []int64{1, 180, 180, 3}, mock.calls[0].Shape)
	_, hi := mock.calls[0].MinMax()
	assert.Greater(t, hi, float32(1), "pixels must not be scaled to [0,1]")
}

func TestService_Predict_RGBAMatchesFlattened(t *testing.T) {
	withAlpha := gradient(64, 64, func(x, y int) uint8 { return uint8(10 + (x*y)%240) })
	flat := image.NewNRGBA(withAlpha.Bounds())
	copy(flat.Pix, withAlpha.Pix)
	for i := 3; i < len(flat.Pix); i += 4 {
		flat.Pix[i] = 0xff
	}

	mock := &mockClassifier{ClassifyFunc: softmaxOfChannelMeans}
	svc := predictor.NewService(mock)

	got, err := svc.Predict(context.Background(), pngBytes(t, withAlpha))
	require.NoError(t, err)
	want, err := svc.Predict(context.Background(), pngBytes(t, flat))
	require.NoError(t, err)

	assert.Equal(t, want, got)
	require.Len(t, mock.calls, 2)
	assert.Equal(t, mock.calls[1].Data, mock.calls[0].Data)
}

func TestService_Predict_Errors(t *testing.T) {
	classifierErr := errors.New("onnx session crashed")

	tests := []struct {
		name      string
		data      []byte
		maxBytes  int64
		maxPixels int64
		classify  func(context.Context, *model.Tensor) ([]float32, error)
		wantIs    error
		wantMsg   string
	}{
		{
			name:   "empty payload",
			data:   []byte{},
			wantIs: predictor.ErrInvalidImage,
		},
		{
			name:     "payload over limit",
			data:     bytes.Repeat([]byte{1}, 64),
			maxBytes: 16,
			wantIs:   predictor.ErrImageTooLarge,
		},
		{
			name:    "not an image",
			data:    []byte("plain text, no pixels here"),
			wantIs:  image.ErrFormat,
			wantMsg: "cannot identify image file",
		},
		{
			name:      "decoded area over pixel limit",
			maxPixels: 399,
			wantIs:    imageproc.ErrTooManyPixels,
			wantMsg:   "400 pixels exceeds limit of 399",
		},
		{
			name: "classifier failure",
			classify: func(context.Context, *model.Tensor) ([]float32, error) {
				return nil, classifierErr
			},
			wantIs:  classifierErr,
			wantMsg: "onnx session crashed",
		},
		{
			name:     "distribution of wrong length",
			classify: fixed(0.5, 0.5),
			wantMsg:  "model returned 2 scores",
		},
	}

	valid := pngBytes(t, gradient(20, 20, opaque))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.data == nil {
				tt.data = valid
			}
			if tt.classify == nil {
				tt.classify = fixed(1, 0, 0, 0, 0)
			}
			opts := []predictor.Option{}
			if tt.maxBytes > 0 {
				opts = append(opts, predictor.WithMaxBytes(tt.maxBytes))
			}
			if tt.maxPixels > 0 {
				opts = append(opts, predictor.WithMaxPixels(tt.maxPixels))
			}
			svc := predictor.NewService(&mockClassifier{ClassifyFunc: tt.classify}, opts...)

			_, err := svc.Predict(context.Background(), tt.data)
			require.Error(t, err)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestService_Predict_Concurrent(t *testing.T) {
	svc := predictor.NewService(&mockClassifier{ClassifyFunc: softmaxOfChannelMeans})
	data := pngBytes(t, gradient(90, 45, opaque))

	want, err := svc.Predict(context.Background(), data)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]predictor.Result, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Predict(context.Background(), data)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, want, results[i])
	}
}

func TestService_Predict_LogsTensorAtInfo(t *testing.T) {
	var logs bytes.Buffer
	lg := zerolog.New(&logs).Level(zerolog.InfoLevel)
	svc := predictor.NewService(&mockClassifier{ClassifyFunc: fixed(1, 0, 0, 0, 0)}, predictor.WithLogger(lg))

	_, err := svc.Predict(context.Background(), pngBytes(t, gradient(30, 30, opaque)))
	require.NoError(t, err)

	line := strings.TrimSpace(logs.String())
	assert.Contains(t, line, `"level":"info"`)
	assert.Contains(t, line, `"shape":[1,180,180,3]`)
	assert.Contains(t, line, `"min":`)
	assert.Contains(t, line, `"max":`)
	assert.Contains(t, line, `"message":"processed image"`)
}

func TestService_Predict_OutcomeForOversizedArea(t *testing.T) {
	svc := predictor.NewService(&mockClassifier{ClassifyFunc: fixed(1, 0, 0, 0, 0)}, predictor.WithMaxPixels(10))

	_, err := svc.Predict(context.Background(), pngBytes(t, gradient(30, 30, opaque)))
	require.Error(t, err)
	assert.NotErrorIs(t, err, predictor.ErrInvalidImage)
	assert.NotErrorIs(t, err, predictor.ErrImageTooLarge)
}
