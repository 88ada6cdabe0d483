// Package predictor classifies a single uploaded leaf image.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Brownie44l1/cane-disease-api/internal/imageproc"
	"github.com/Brownie44l1/cane-disease-api/internal/metrics"
	"github.com/Brownie44l1/cane-disease-api/internal/model"
)

var (
	// ErrNoImage means the request carried no image payload at all.
	ErrNoImage = errors.New("no image provided")
	// ErrInvalidImage means a payload was present but empty or unusable.
	ErrInvalidImage = errors.New("invalid image file")
	// ErrImageTooLarge means the payload exceeded the upload limit.
	ErrImageTooLarge = errors.New("image too large")
)

// Classifier scores a preprocessed tensor against model.Classes.
type Classifier interface {
	Classify(ctx context.Context, input *model.Tensor) ([]float32, error)
}

type Result struct {
	Label       string
	Probability float32
}

type Service struct {
	classifier Classifier
	maxBytes   int64
	maxPixels  int64
	metrics    *metrics.Recorder
	log        zerolog.Logger
}

type Option func(*Service)

func WithMaxBytes(n int64) Option {
	return func(s *Service) { s.maxBytes = n }
}

// WithMaxPixels bounds the decoded image area. Oversized images are
// internal failures, not invalid input.
func WithMaxPixels(n int64) Option {
	return func(s *Service) { s.maxPixels = n }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func NewService(classifier Classifier, opts ...Option) *Service {
	s := &Service{
		classifier: classifier,
		maxBytes:   10 << 20,
		maxPixels:  imageproc.DefaultMaxPixels,
		metrics:    metrics.Noop(),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

// Predict decodes imageData, runs it through the classifier and returns the
// arg-max class. Errors other than ErrInvalidImage and ErrImageTooLarge are
// internal failures and carry the underlying cause.
func (s *Service) Predict(ctx context.Context, imageData []byte) (Result, error) {
	start := time.Now()
	res, err := s.predict(ctx, imageData)
	s.metrics.PredictTiming(time.Since(start), outcome(err))
	return res, err
}

func (s *Service) predict(ctx context.Context, imageData []byte) (Result, error) {
	if len(imageData) == 0 {
		return Result{}, ErrInvalidImage
	}
	if int64(len(imageData)) > s.maxBytes {
		return Result{}, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrImageTooLarge, len(imageData), s.maxBytes)
	}

	tensor, err := imageproc.Preprocess(imageData, s.maxPixels)
	if err != nil {
		return Result{}, err
	}
	lo, hi := tensor.MinMax()
	s.log.Info().
		Ints64("shape", tensor.Shape).
		Float32("min", lo).
		Float32("max", hi).
		Msg("processed image")

	inferStart := time.Now()
	dist, err := s.classifier.Classify(ctx, tensor)
	s.metrics.InferenceTiming(time.Since(inferStart))
	if err != nil {
		return Result{}, err
	}

	p, err := model.Decide(dist)
	if err != nil {
		return Result{}, err
	}
	return Result{Label: p.Label, Probability: p.Probability}, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoImage), errors.Is(err, ErrInvalidImage), errors.Is(err, ErrImageTooLarge):
		return "invalid_input"
	default:
		return "internal"
	}
}
