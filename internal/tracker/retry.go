package tracker

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/phuslu/log"
	"k8s.io/apimachinery/pkg/util/wait"
	"nuha.dev/gpsagent/internal/gps"
	"nuha.dev/gpsagent/internal/metrics"
)

// Resender is what the retry queue needs from the uploader.
type Resender interface {
	Resend(ctx context.Context, sample *gps.Sample) error
}

type RetryConfig struct {
	Capacity int
	Initial  time.Duration
	Max      time.Duration
}

// RetryQueue resends failed uploads with exponential backoff, oldest first.
// It holds at most Capacity samples and evicts the oldest when full.
type RetryQueue struct {
	mu      sync.Mutex
	items   []*gps.Sample
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	up      Resender
	config  *RetryConfig
	metrics *metrics.Metrics
	log     log.Logger
}

func NewRetryQueue(up Resender, config *RetryConfig, m *metrics.Metrics) *RetryQueue {
	q := &RetryQueue{up: up, config: config, metrics: m}
	if q.config.Capacity <= 0 {
		q.config.Capacity = 16
	}
	if q.config.Initial <= 0 {
		q.config.Initial = 5 * time.Second
	}
	if q.config.Max <= 0 {
		q.config.Max = 2 * time.Minute
	}
	q.wake = make(chan struct{}, 1)
	q.log = log.DefaultLogger
	q.log.Context = log.NewContext(nil).Str("module", "retry-queue").Value()
	return q
}

func (q *RetryQueue) newBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: q.config.Initial,
		Factor:   2,
		Steps:    math.MaxInt32,
		Cap:      q.config.Max,
	}
}

// Enqueue adds sample unless a sample with the same id is already queued.
func (q *RetryQueue) Enqueue(sample *gps.Sample) {
	q.mu.Lock()
	for _, s := range q.items {
		if s.ID == sample.ID {
			q.mu.Unlock()
			return
		}
	}
	if len(q.items) >= q.config.Capacity {
		dropped := q.items[0]
		q.items = q.items[1:]
		q.metrics.RetriesDropped.Inc()
		q.log.Warn().EmbedObject(dropped).Msg("retry queue full, dropping oldest sample")
	}
	q.items = append(q.items, sample)
	q.metrics.RetryDepth.Set(float64(len(q.items)))
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Samples returns the queued samples, oldest first.
func (q *RetryQueue) Samples() []*gps.Sample {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*gps.Sample, len(q.items))
	copy(out, q.items)
	return out
}

func (q *RetryQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.metrics.RetryDepth.Set(0)
}

func (q *RetryQueue) head() *gps.Sample {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *RetryQueue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, s := range q.items {
		if s.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	q.metrics.RetryDepth.Set(float64(len(q.items)))
}

// Start runs the resend loop until Stop. Calling Start on a running queue is
// a no-op.
func (q *RetryQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.run(ctx, q.done)
}

// Stop ends the resend loop and waits for it. Queued samples are kept.
func (q *RetryQueue) Stop() {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel, q.done = nil, nil
	q.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (q *RetryQueue) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := q.newBackoff()
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	immediate := false
	for {
		if q.head() == nil {
			immediate = false
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		if !immediate {
			timer.Reset(backoff.Step())
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
		immediate = false

		sample := q.head()
		if sample == nil {
			continue
		}
		err := q.up.Resend(ctx, sample)
		if err == nil {
			q.remove(sample.ID)
			q.log.Info().Str("event", EventRetry).EmbedObject(sample).Msg("buffered sample delivered")
			backoff = q.newBackoff()
			immediate = true
			continue
		}
		if ctx.Err() != nil {
			return
		}
		var upErr *UploadError
		if errors.As(err, &upErr) && !upErr.Retryable {
			q.remove(sample.ID)
			q.log.Warn().Str("event", EventRetry).EmbedObject(sample).Err(err).Msg("dropping sample that cannot be delivered")
			continue
		}
		q.log.Debug().Str("event", EventRetry).EmbedObject(sample).Err(err).Msg("resend failed")
	}
}
