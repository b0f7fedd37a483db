package tracker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/gpsagent/internal/apiclient"
	"nuha.dev/gpsagent/internal/events"
	"nuha.dev/gpsagent/internal/gate"
	"nuha.dev/gpsagent/internal/gps"
	"nuha.dev/gpsagent/internal/location"
	"nuha.dev/gpsagent/internal/metrics"
	"nuha.dev/gpsagent/internal/store"
	"nuha.dev/gpsagent/internal/store/impl/memstore"
	"nuha.dev/gpsagent/internal/testbackend"
)

const locationsPath = "/api/gpslocations/"

type recorder struct {
	mu      sync.Mutex
	status  []string
	samples []*gps.Sample
}

func (r *recorder) Publish(_ context.Context, topic string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch topic {
	case events.TopicTrackerStatus:
		r.status = append(r.status, data.(*events.Status).Message)
	case events.TopicTrackerSample:
		r.samples = append(r.samples, data.(*gps.Sample))
	}
}

func (r *recorder) lastSample() *gps.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		return nil
	}
	return r.samples[len(r.samples)-1]
}

type fixture struct {
	be       *testbackend.Backend
	store    *store.KVStore
	gate     *gate.Gate
	uploader *Uploader
	retry    *RetryQueue
	metrics  *metrics.Metrics
	pub      *recorder
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{be: testbackend.New(t), pub: &recorder{}, metrics: metrics.New()}
	api := apiclient.NewClient(&apiclient.ClientConfig{Timeout: 2 * time.Second}, zerolog.Nop())
	f.store = store.NewKVStore(memstore.NewStore())
	f.gate = gate.NewGate(api, f.store)
	f.uploader = NewUploader(api, f.gate, f.store, f.metrics)
	f.retry = NewRetryQueue(f.uploader, &RetryConfig{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond}, f.metrics)
	return f
}

func (f *fixture) login(t *testing.T) *store.Session {
	sess, err := f.gate.Authenticate(context.Background(), f.be.Host(), "alice", "pw")
	require.NoError(t, err)
	return sess
}

func (f *fixture) sampler(loc location.Locator, interval time.Duration) *Sampler {
	return NewSampler(loc, f.uploader, f.store, f.retry, f.pub, f.metrics, &SamplerConfig{Interval: interval, FixTimeout: time.Second})
}

func TestStopBeforeFirstTick(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	var calls int32
	loc := location.LocatorFunc(func(ctx context.Context) (*location.Fix, error) {
		atomic.AddInt32(&calls, 1)
		return &location.Fix{Latitude: 1, Longitude: 2, Time: time.Now()}, nil
	})
	s := f.sampler(loc, 100*time.Millisecond)

	require.NoError(t, s.Start())
	assert.Equal(t, Armed, s.State())
	assert.Equal(t, StatusStarting, s.Status())
	s.Stop()
	time.Sleep(300 * time.Millisecond)
	s.Wait()

	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Zero(t, f.be.Hits(locationsPath))
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, StatusStopped, s.Status())
}

func TestStartTwice(t *testing.T) {
	f := newFixture(t)
	s := f.sampler(&location.StaticLocator{}, time.Hour)
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)
	s.Stop()
	s.Stop()
	s.Wait()
}

func TestCaptureAndUpload(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	s := f.sampler(&location.StaticLocator{Latitude: 1.0, Longitude: 2.0}, 20*time.Millisecond)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return len(f.be.Locations()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Wait()

	loc := f.be.Locations()[0]
	assert.Equal(t, 1.0, loc.Latitude)
	assert.Equal(t, 2.0, loc.Longitude)

	pending, err := f.store.LoadPending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pending)

	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	assert.Contains(t, f.pub.status, "GPS data captured: (1, 2)")
	assert.Contains(t, f.pub.status, StatusSent)
	assert.GreaterOrEqual(t, testutil.ToFloat64(f.metrics.SamplesCaptured), 1.0)
}

func TestFailedUploadKeepsMostRecent(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.be.FailUploads(http.StatusInternalServerError)
	var n int32
	loc := location.LocatorFunc(func(ctx context.Context) (*location.Fix, error) {
		i := atomic.AddInt32(&n, 1)
		return &location.Fix{Latitude: float64(i), Longitude: 2, Time: time.Now()}, nil
	})
	s := f.sampler(loc, 20*time.Millisecond)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return f.be.Hits(locationsPath) >= 3 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Wait()

	f.pub.mu.Lock()
	assert.Contains(t, f.pub.status, "Error sending GPS data: Request failed with status code 500")
	f.pub.mu.Unlock()
	last := f.pub.lastSample()
	require.NotNil(t, last)
	pending, err := f.store.LoadPending(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, last.ID, pending.ID)
	assert.Equal(t, last.Latitude, pending.Latitude)
	assert.Empty(t, f.be.Locations())
	assert.GreaterOrEqual(t, f.retry.Len(), 2)
}

func TestNetworkErrorScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveSession(ctx, &store.Session{AccessToken: "a", RefreshToken: "r", BackendHost: "127.0.0.1:1"}))
	s := f.sampler(&location.StaticLocator{Latitude: 1.0, Longitude: 2.0}, 20*time.Millisecond)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return strings.HasPrefix(s.Status(), "Error sending GPS data") }, 2*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Wait()

	pending, err := f.store.LoadPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, 1.0, pending.Latitude)
	assert.Equal(t, 2.0, pending.Longitude)
}

func TestMissingHost(t *testing.T) {
	f := newFixture(t)
	s := f.sampler(&location.StaticLocator{Latitude: 1, Longitude: 2}, 20*time.Millisecond)
	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return s.Status() == StatusNoHost }, 2*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Wait()
	assert.Zero(t, f.retry.Len())
}

func TestMissingToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveSession(ctx, &store.Session{BackendHost: f.be.Host()}))

	err := f.uploader.Upload(ctx, gps.NewSample(1, 2, nil, nil, time.Now()))
	var upErr *UploadError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, "Error sending GPS data: No access token found. Please log in.", upErr.Message)
	assert.False(t, upErr.Retryable)
	assert.Zero(t, f.be.Hits(locationsPath))
}

func TestGeolocationError(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	loc := location.LocatorFunc(func(ctx context.Context) (*location.Fix, error) {
		return nil, &location.SampleError{Code: location.Timeout, Message: "Timeout expired"}
	})
	s := f.sampler(loc, 20*time.Millisecond)
	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return s.Status() == "Geolocation error: Timeout expired" }, 2*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Wait()
	assert.Zero(t, f.be.Hits(locationsPath))
	assert.GreaterOrEqual(t, testutil.ToFloat64(f.metrics.SampleErrors.WithLabelValues("timeout")), 1.0)
}

func TestUnauthorizedRefreshesOnce(t *testing.T) {
	f := newFixture(t)
	old := f.login(t)
	f.be.ExpireAccess()
	ctx := context.Background()

	sample := gps.NewSample(1, 2, nil, nil, time.Now())
	require.NoError(t, f.store.SavePending(ctx, sample))
	require.NoError(t, f.uploader.Upload(ctx, sample))

	assert.Equal(t, 1, f.be.Hits("/api/token/refresh/"))
	assert.Equal(t, 2, f.be.Hits(locationsPath))
	locs := f.be.Locations()
	require.Len(t, locs, 1)
	assert.NotEqual(t, old.AccessToken, locs[0].Token)
	pending, err := f.store.LoadPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestUnauthorizedRefreshRejected(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.be.ExpireAccess()
	f.be.RevokeRefresh()

	err := f.uploader.Upload(context.Background(), gps.NewSample(1, 2, nil, nil, time.Now()))
	var upErr *UploadError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, "Error sending GPS data: Request failed with status code 401", upErr.Message)
	assert.Equal(t, 1, f.be.Hits("/api/token/refresh/"))
	assert.Equal(t, 1, f.be.Hits(locationsPath))
}

func TestStopDropsInFlightStatus(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	loc := location.LocatorFunc(func(ctx context.Context) (*location.Fix, error) {
		once.Do(func() { close(entered) })
		<-release
		return &location.Fix{Latitude: 5, Longitude: 6, Time: time.Now()}, nil
	})
	s := f.sampler(loc, 20*time.Millisecond)

	require.NoError(t, s.Start())
	<-entered
	assert.Equal(t, Sampling, s.State())
	s.Stop()
	close(release)
	s.Wait()

	assert.Equal(t, Idle, s.State())
	assert.Equal(t, StatusStopped, s.Status())
	// the side effect of the in-flight attempt still happened
	require.Len(t, f.be.Locations(), 1)
	assert.Equal(t, 5.0, f.be.Locations()[0].Latitude)
}

// slowLocator tracks how many Locate calls run at the same time.
type slowLocator struct {
	delay  time.Duration
	active int32
	peak   int32
	calls  int32
}

func (l *slowLocator) Locate(ctx context.Context) (*location.Fix, error) {
	n := atomic.AddInt32(&l.active, 1)
	for {
		p := atomic.LoadInt32(&l.peak)
		if n <= p || atomic.CompareAndSwapInt32(&l.peak, p, n) {
			break
		}
	}
	i := atomic.AddInt32(&l.calls, 1)
	time.Sleep(l.delay)
	atomic.AddInt32(&l.active, -1)
	return &location.Fix{Latitude: float64(i), Longitude: 2, Time: time.Now()}, nil
}

func TestAttemptsDoNotOverlapWithinRun(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	loc := &slowLocator{delay: 60 * time.Millisecond}
	s := f.sampler(loc, 10*time.Millisecond)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&loc.calls) >= 4 }, 3*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&loc.peak))
}

func TestRestartWaitsForInFlightAttempt(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.be.FailUploads(http.StatusInternalServerError)
	loc := &slowLocator{delay: 150 * time.Millisecond}
	s := f.sampler(loc, 10*time.Millisecond)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&loc.active) == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&loc.calls) >= 3 }, 3*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&loc.peak))
	last := f.pub.lastSample()
	require.NotNil(t, last)
	pending, err := f.store.LoadPending(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, last.ID, pending.ID)
}

type mirrorRecorder struct {
	mu      sync.Mutex
	samples []*gps.Sample
}

func (m *mirrorRecorder) Publish(sample *gps.Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sample)
}

func (m *mirrorRecorder) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

func TestCapturedSamplesReachMirror(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	mirror := &mirrorRecorder{}
	s := f.sampler(&location.StaticLocator{Latitude: 3, Longitude: 4}, 20*time.Millisecond)
	s.SetMirror(mirror)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return mirror.len() >= 2 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Wait()

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	assert.Equal(t, 3.0, mirror.samples[0].Latitude)
	assert.Equal(t, 4.0, mirror.samples[0].Longitude)
	assert.NotEqual(t, mirror.samples[0].ID, mirror.samples[1].ID)
}
