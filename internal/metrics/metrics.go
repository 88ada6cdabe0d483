package metrics

import (
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rs/zerolog"
)

const (
	predictLatency  = "cane.predict.latency"
	inferLatency    = "cane.inference.latency"
	predictRequests = "cane.predict.requests"
)

// Recorder wraps a statsd client. It is safe for concurrent use.
type Recorder struct {
	client statsd.ClientInterface
	log    zerolog.Logger
}

// New dials a DogStatsD agent at addr. An empty addr yields a recorder that
// discards everything.
func New(addr string, log zerolog.Logger) (*Recorder, error) {
	if addr == "" {
		return NewWithClient(&statsd.NoOpClient{}, log), nil
	}
	client, err := statsd.New(addr, statsd.WithTags([]string{"service:cane-disease-api"}))
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, log), nil
}

func NewWithClient(client statsd.ClientInterface, log zerolog.Logger) *Recorder {
	return &Recorder{client: client, log: log}
}

func Noop() *Recorder {
	return NewWithClient(&statsd.NoOpClient{}, zerolog.Nop())
}

func (r *Recorder) PredictTiming(d time.Duration, outcome string) {
	tags := []string{"outcome:" + outcome}
	if err := r.client.Timing(predictLatency, d, tags, 1); err != nil {
		r.log.Warn().Err(err).Msg("statsd timing failed")
	}
	if err := r.client.Incr(predictRequests, tags, 1); err != nil {
		r.log.Warn().Err(err).Msg("statsd count failed")
	}
}

func (r *Recorder) InferenceTiming(d time.Duration) {
	if err := r.client.Timing(inferLatency, d, nil, 1); err != nil {
		r.log.Warn().Err(err).Msg("statsd timing failed")
	}
}

func (r *Recorder) Close() error {
	return r.client.Close()
}
