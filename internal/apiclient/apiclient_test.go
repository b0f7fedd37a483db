package apiclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/gpsagent/internal/apiclient"
	"nuha.dev/gpsagent/internal/gps"
	"nuha.dev/gpsagent/internal/testbackend"
)

func newClient() *apiclient.Client {
	return apiclient.NewClient(&apiclient.ClientConfig{Timeout: 2 * time.Second, UserAgent: "gpsagent-test"}, zerolog.Nop())
}

func TestObtainToken(t *testing.T) {
	be := testbackend.New(t)
	c := newClient()
	ctx := context.Background()

	pair, err := c.ObtainToken(ctx, be.Host(), "alice", "pw")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.Access)
	assert.NotEmpty(t, pair.Refresh)

	_, err = c.ObtainToken(ctx, be.Host(), "alice", "wrong")
	require.Error(t, err)
	assert.Equal(t, "Request failed with status code 401", err.Error())
	assert.True(t, apiclient.IsUnauthorized(err))
	msg, ok := apiclient.Detail(err)
	require.True(t, ok)
	assert.Equal(t, "No active account found with the given credentials", msg)
}

func TestRefreshToken(t *testing.T) {
	be := testbackend.New(t)
	c := newClient()
	ctx := context.Background()

	pair, err := c.ObtainToken(ctx, be.Host(), "alice", "pw")
	require.NoError(t, err)
	access, err := c.RefreshToken(ctx, be.Host(), pair.Refresh)
	require.NoError(t, err)
	assert.NotEqual(t, pair.Access, access)

	be.RevokeRefresh()
	_, err = c.RefreshToken(ctx, be.Host(), pair.Refresh)
	assert.True(t, apiclient.IsUnauthorized(err))
}

func TestPostLocation(t *testing.T) {
	be := testbackend.New(t)
	c := newClient()
	ctx := context.Background()
	pair, err := c.ObtainToken(ctx, be.Host(), "alice", "pw")
	require.NoError(t, err)

	s := gps.NewSample(1.0, 2.0, nil, gps.Float(4.5), time.Now())
	require.NoError(t, c.PostLocation(ctx, be.Host(), pair.Access, apiclient.PayloadFromSample(s)))

	locs := be.Locations()
	require.Len(t, locs, 1)
	assert.Equal(t, 1.0, locs[0].Latitude)
	assert.Equal(t, 2.0, locs[0].Longitude)
	assert.Nil(t, locs[0].Altitude)
	require.NotNil(t, locs[0].Accuracy)
	assert.Equal(t, 4.5, *locs[0].Accuracy)
	assert.Equal(t, pair.Access, locs[0].Token)

	be.FailUploads(http.StatusServiceUnavailable)
	err = c.PostLocation(ctx, be.Host(), pair.Access, apiclient.PayloadFromSample(s))
	assert.EqualError(t, err, "Request failed with status code 503")
	assert.False(t, apiclient.IsUnauthorized(err))
}

func TestLatestLocations(t *testing.T) {
	be := testbackend.New(t)
	c := newClient()
	ctx := context.Background()
	pair, err := c.ObtainToken(ctx, be.Host(), "alice", "pw")
	require.NoError(t, err)

	be.SetLatest("team a", map[string]any{
		"username":  "bob",
		"latitude":  -6.2,
		"longitude": 106.8,
		"timestamp": "2024-05-01T10:00:00Z",
		"altitude":  nil,
		"accuracy":  12.0,
	})
	entries, err := c.LatestLocations(ctx, be.Host(), pair.Access, "team a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].MemberID)
	assert.Equal(t, -6.2, entries[0].Latitude)
	assert.Nil(t, entries[0].Altitude)
	assert.Equal(t, 12.0, *entries[0].Accuracy)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), entries[0].Timestamp.UTC())
	assert.Equal(t, []string{"team a"}, be.Groups())

	entries, err = c.LatestLocations(ctx, be.Host(), pair.Access, "nobody")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRequestHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newClient()
	host := strings.TrimPrefix(srv.URL, "http://")
	require.NoError(t, c.PostLocation(context.Background(), host, "tok", &apiclient.LocationPayload{Latitude: 1, Longitude: 2}))
	assert.Equal(t, "Bearer tok", got.Get("Authorization"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "gpsagent-test", got.Get("User-Agent"))
	assert.NotEmpty(t, got.Get("X-Request-ID"))
}

func TestUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	_, err := newClient().ObtainToken(context.Background(), host, "alice", "pw")
	require.Error(t, err)
	_, ok := apiclient.Detail(err)
	assert.False(t, ok)
}
