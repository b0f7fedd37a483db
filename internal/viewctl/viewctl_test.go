package viewctl

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/gpsagent/internal/apiclient"
	"nuha.dev/gpsagent/internal/events"
	"nuha.dev/gpsagent/internal/gate"
	"nuha.dev/gpsagent/internal/gps"
	"nuha.dev/gpsagent/internal/location"
	"nuha.dev/gpsagent/internal/metrics"
	"nuha.dev/gpsagent/internal/roster"
	"nuha.dev/gpsagent/internal/store"
	"nuha.dev/gpsagent/internal/store/impl/memstore"
	"nuha.dev/gpsagent/internal/testbackend"
	"nuha.dev/gpsagent/internal/tracker"
)

const latestPath = "/api/gpslocations/latest"

type harness struct {
	c       *Controller
	be      *testbackend.Backend
	store   *store.KVStore
	sampler *tracker.Sampler
	poller  *roster.Poller
	retry   *tracker.RetryQueue
}

func newHarness(t *testing.T) *harness {
	h := &harness{be: testbackend.New(t)}
	m := metrics.New()
	api := apiclient.NewClient(&apiclient.ClientConfig{Timeout: 2 * time.Second}, zerolog.Nop())
	h.store = store.NewKVStore(memstore.NewStore())
	g := gate.NewGate(api, h.store)
	up := tracker.NewUploader(api, g, h.store, m)
	h.retry = tracker.NewRetryQueue(up, &tracker.RetryConfig{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond}, m)
	h.sampler = tracker.NewSampler(&location.StaticLocator{Latitude: 1, Longitude: 2}, up, h.store, h.retry, events.Nop{}, m,
		&tracker.SamplerConfig{Interval: 30 * time.Millisecond, FixTimeout: time.Second})
	h.poller = roster.NewPoller(api, g, h.store, events.Nop{}, m, &roster.PollerConfig{Interval: 30 * time.Millisecond})
	h.c = NewController(g, h.sampler, h.poller, h.retry, h.store, events.Nop{})
	t.Cleanup(h.c.Shutdown)
	return h
}

func (h *harness) login(t *testing.T) {
	require.NoError(t, h.c.Login(context.Background(), "http://"+h.be.Host()+"/", "alice", "pw"))
}

func TestLoginEntersTracking(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, LoggedOut, h.c.State())
	h.login(t)

	snap := h.c.Snapshot()
	assert.Equal(t, Tracking, snap.State)
	assert.Equal(t, h.be.Host(), snap.Host)
	assert.False(t, snap.Tracking)
	assert.Equal(t, tracker.StatusInitializing, snap.Status)
	require.NotNil(t, snap.AccessExpiry)
	assert.True(t, snap.AccessExpiry.After(time.Now()))

	err := h.c.Login(context.Background(), h.be.Host(), "alice", "pw")
	assert.True(t, IsTransitionError(err))
}

func TestLoginRejectedStaysLoggedOut(t *testing.T) {
	h := newHarness(t)
	err := h.c.Login(context.Background(), h.be.Host(), "alice", "wrong")
	var authErr *gate.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, LoggedOut, h.c.State())
}

func TestOperationsRequireSession(t *testing.T) {
	h := newHarness(t)
	for name, op := range map[string]func() error{
		"StartTracking": h.c.StartTracking,
		"StopTracking":  h.c.StopTracking,
		"Back":          h.c.Back,
		"ViewRoster":    func() error { return h.c.ViewRoster("g") },
		"SetGroup":      func() error { return h.c.SetGroup("g") },
		"Refresh":       func() error { return h.c.Refresh(context.Background()) },
		"Logout":        func() error { return h.c.Logout(context.Background()) },
	} {
		err := op()
		assert.True(t, IsTransitionError(err), name)
	}
}

func TestViewRosterRequiresTracking(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	err := h.c.ViewRoster("g")
	require.True(t, IsTransitionError(err))
	assert.Contains(t, err.Error(), "tracking not started")
	assert.Equal(t, Tracking, h.c.State())
}

func TestViewingPollsAndBackStops(t *testing.T) {
	h := newHarness(t)
	h.be.SetLatest("hikers", map[string]any{"username": "bob", "latitude": 3.0, "longitude": 4.0, "timestamp": "2024-05-01T10:00:00Z"})
	h.login(t)
	require.NoError(t, h.c.StartTracking())
	assert.True(t, IsTransitionError(h.c.StartTracking()))

	require.NoError(t, h.c.ViewRoster("  hikers "))
	assert.Equal(t, Viewing, h.c.State())
	require.Eventually(t, func() bool { return len(h.c.Snapshot().Roster) == 1 }, 2*time.Second, 5*time.Millisecond)
	snap := h.c.Snapshot()
	assert.Equal(t, "hikers", snap.Group)
	assert.Equal(t, "bob", snap.Roster[0].MemberID)
	assert.True(t, snap.Tracking)

	require.NoError(t, h.c.Back())
	assert.Equal(t, Tracking, h.c.State())
	assert.False(t, h.poller.Running())
	assert.Empty(t, h.c.Snapshot().Roster)
	assert.True(t, h.sampler.Running())

	hits := h.be.Hits(latestPath)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, hits, h.be.Hits(latestPath))
}

func TestEmptyGroupDoesNotPoll(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	require.NoError(t, h.c.StartTracking())
	require.NoError(t, h.c.ViewRoster(""))
	assert.Equal(t, Viewing, h.c.State())
	assert.ErrorIs(t, h.c.Refresh(context.Background()), roster.ErrNoGroup)

	require.NoError(t, h.c.SetGroup("g"))
	assert.True(t, h.poller.Running())
	require.NoError(t, h.c.SetGroup(" "))
	assert.False(t, h.poller.Running())
	h.poller.Wait()
	hits := h.be.Hits(latestPath)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, hits, h.be.Hits(latestPath))
}

func TestLogoutClearsEverything(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	require.NoError(t, h.c.StartTracking())
	require.NoError(t, h.c.ViewRoster("g"))
	require.Eventually(t, func() bool { return len(h.be.Locations()) >= 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.c.Logout(context.Background()))
	snap := h.c.Snapshot()
	assert.Equal(t, LoggedOut, snap.State)
	assert.False(t, snap.Tracking)
	assert.Equal(t, tracker.StatusInitializing, snap.Status)
	assert.Empty(t, snap.Host)
	assert.Empty(t, snap.Group)
	assert.Zero(t, snap.RetryDepth)
	assert.False(t, h.poller.Running())

	_, err := h.store.LoadSession(context.Background())
	assert.ErrorIs(t, err, store.ErrNoSession)
	pending, err := h.store.LoadPending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestResumeRequeuesPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	err := h.c.Resume(ctx)
	assert.ErrorIs(t, err, store.ErrNoSession)

	require.NoError(t, h.store.SaveSession(ctx, &store.Session{BackendHost: h.be.Host()}))
	assert.ErrorIs(t, h.c.Resume(ctx), ErrSessionIncomplete)

	// a session from an earlier run with a sample it never delivered
	api := apiclient.NewClient(&apiclient.ClientConfig{Timeout: 2 * time.Second}, zerolog.Nop())
	_, err = gate.NewGate(api, h.store).Authenticate(ctx, h.be.Host(), "alice", "pw")
	require.NoError(t, err)

	left := gps.NewSample(9, 9, nil, nil, time.Now())
	require.NoError(t, h.store.SavePending(ctx, left))
	require.NoError(t, h.c.Resume(ctx))
	assert.Equal(t, Tracking, h.c.State())

	require.Eventually(t, func() bool { return len(h.be.Locations()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 9.0, h.be.Locations()[0].Latitude)
	pending, err := h.store.LoadPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, pending)
}
