package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/events"
	"nuha.dev/gpsagent/internal/gps"
	"nuha.dev/gpsagent/internal/location"
	"nuha.dev/gpsagent/internal/metrics"
	"nuha.dev/gpsagent/internal/store"
)

// Mirror receives every captured sample. Publish must not block.
type Mirror interface {
	Publish(sample *gps.Sample)
}

type SamplerConfig struct {
	Interval   time.Duration
	FixTimeout time.Duration
	// upper bound for one upload, independent of the cadence
	UploadTimeout time.Duration
}

// Sampler captures one fix per tick and hands it to the uploader. Attempts
// never overlap, also across a Stop and Start.
type Sampler struct {
	// held for a whole attempt, locate to upload result
	attemptMu sync.Mutex

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel context.CancelFunc
	status string
	wg     sync.WaitGroup

	locator  location.Locator
	uploader *Uploader
	store    store.SessionStore
	retry    *RetryQueue
	mirror   Mirror
	pub      events.Publisher
	metrics  *metrics.Metrics
	config   *SamplerConfig
	log      log.Logger
}

func NewSampler(locator location.Locator, uploader *Uploader, st store.SessionStore, retry *RetryQueue, pub events.Publisher, m *metrics.Metrics, config *SamplerConfig) *Sampler {
	s := &Sampler{locator: locator, uploader: uploader, store: st, retry: retry, pub: pub, metrics: m, config: config}
	if s.config.Interval <= 0 {
		s.config.Interval = 5 * time.Second
	}
	if s.config.FixTimeout <= 0 {
		s.config.FixTimeout = 10 * time.Second
	}
	if s.config.UploadTimeout <= 0 {
		s.config.UploadTimeout = 30 * time.Second
	}
	s.status = StatusInitializing
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "sampler").Value()
	return s
}

// SetMirror must be called before Start.
func (s *Sampler) SetMirror(m Mirror) {
	s.mirror = m
}

func (s *Sampler) Start() error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state = Armed
	s.status = StatusStarting
	s.log.Info().Uint64("run", s.gen).Dur("interval", s.config.Interval).Msg("tracking started")
	s.wg.Add(1)
	go s.run(ctx, s.gen)
	s.mu.Unlock()

	s.publishStatus(StatusStarting)
	return nil
}

// Stop ends the cadence. No attempt begins after Stop returns; an attempt in
// flight runs to completion but its status is discarded.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if s.state == Idle {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.cancel()
	s.cancel = nil
	s.state = Idle
	s.status = StatusStopped
	s.mu.Unlock()

	s.log.Info().Msg("tracking stopped")
	s.publishStatus(StatusStopped)
}

// Wait blocks until every run goroutine, including in-flight attempts of
// stopped runs, has returned.
func (s *Sampler) Wait() {
	s.wg.Wait()
}

func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != Idle
}

func (s *Sampler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sampler) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ResetStatus puts the status line back to its initial text.
func (s *Sampler) ResetStatus() {
	s.mu.Lock()
	s.status = StatusInitializing
	s.mu.Unlock()
	s.publishStatus(StatusInitializing)
}

func (s *Sampler) publishStatus(msg string) {
	s.pub.Publish(context.Background(), events.TopicTrackerStatus, &events.Status{Message: msg, At: time.Now()})
}

// report sets state and status for run gen; stale runs are ignored.
func (s *Sampler) report(gen uint64, state State, msg string) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	s.state = state
	if msg != "" {
		s.status = msg
	}
	s.mu.Unlock()

	if msg != "" {
		s.publishStatus(msg)
	}
	return true
}

func (s *Sampler) run(ctx context.Context, gen uint64) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.attempt(gen)
		}
	}
}

func (s *Sampler) attempt(gen uint64) {
	s.attemptMu.Lock()
	defer s.attemptMu.Unlock()
	// the attempt begins only if the run is still current
	if !s.report(gen, Sampling, "") {
		return
	}

	fixCtx, cancel := context.WithTimeout(context.Background(), s.config.FixTimeout)
	fix, err := s.locator.Locate(fixCtx)
	cancel()
	if err != nil {
		code := location.PositionUnavailable
		var se *location.SampleError
		if errors.As(err, &se) {
			code = se.Code
		}
		s.metrics.SampleErrors.WithLabelValues(code.String()).Inc()
		s.log.Info().Str("event", EventCapture).Err(err).Msg("geolocation error")
		s.report(gen, Armed, geolocationStatus(err.Error()))
		return
	}

	sample := gps.NewSample(fix.Latitude, fix.Longitude, fix.Altitude, fix.Accuracy, time.Now())
	s.metrics.SamplesCaptured.Inc()
	if err := s.store.SavePending(context.Background(), sample); err != nil {
		s.log.Error().Err(err).EmbedObject(sample).Msg("error buffering sample")
	}
	s.log.Debug().Str("event", EventCapture).EmbedObject(sample).Msg("sample captured")
	s.report(gen, AwaitingResult, capturedStatus(sample.Coordinates()))
	s.pub.Publish(context.Background(), events.TopicTrackerSample, sample)
	if s.mirror != nil {
		s.mirror.Publish(sample)
	}

	upCtx, cancel := context.WithTimeout(context.Background(), s.config.UploadTimeout)
	err = s.uploader.Upload(upCtx, sample)
	cancel()
	if err != nil {
		current := s.report(gen, Armed, err.Error())
		var upErr *UploadError
		if current && errors.As(err, &upErr) && upErr.Retryable && s.retry != nil {
			s.retry.Enqueue(sample)
		}
		return
	}
	s.report(gen, Armed, StatusSent)
}
