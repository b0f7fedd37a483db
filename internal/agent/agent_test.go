package agent

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/gpsagent/internal/config"
	"nuha.dev/gpsagent/internal/location"
	"nuha.dev/gpsagent/internal/testbackend"
	"nuha.dev/gpsagent/internal/viewctl"
)

func testConfig(t *testing.T) *config.Config {
	t.Chdir(t.TempDir())
	v := config.New()
	v.Set("store_driver", "memory")
	v.Set("locator", "static")
	v.Set("static_latitude", -6.2)
	v.Set("static_longitude", 106.8)
	v.Set("sample_interval", "20ms")
	v.Set("retry_initial", "10ms")
	v.Set("retry_max", "40ms")
	cfg, err := config.Load(v, "")
	require.NoError(t, err)
	return cfg
}

func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestNewLocator(t *testing.T) {
	cfg := testConfig(t)
	_, ok := NewLocator(cfg, zerolog.Nop()).(*location.StaticLocator)
	assert.True(t, ok)
	cfg.Locator = "gpsd"
	_, ok = NewLocator(cfg, zerolog.Nop()).(*location.GpsdLocator)
	assert.True(t, ok)
}

func TestOpenKVSqlite(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreDriver = "sqlite"
	cfg.StorePath = t.TempDir() + "/nested/session.db"
	kv, err := OpenKV(cfg)
	require.NoError(t, err)
	require.NoError(t, kv.Set(context.Background(), "k", "v"))
	require.NoError(t, kv.Close())

	cfg.StoreDriver = "redis"
	_, err = OpenKV(cfg)
	assert.Error(t, err)
}

func TestTrackEndToEnd(t *testing.T) {
	be := testbackend.New(t)
	cfg := testConfig(t)
	a, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	require.NoError(t, a.Resume(ctx))
	assert.Equal(t, viewctl.LoggedOut, a.Controller.State())

	require.NoError(t, a.Controller.Login(ctx, be.Host(), "alice", "pw"))
	require.NoError(t, a.Controller.StartTracking())
	require.Eventually(t, func() bool { return len(be.Locations()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, -6.2, be.Locations()[0].Latitude)
	require.NoError(t, a.Controller.StopTracking())
}

func TestResumeAfterRestart(t *testing.T) {
	be := testbackend.New(t)
	cfg := testConfig(t)
	cfg.StoreDriver = "sqlite"
	cfg.StorePath = t.TempDir() + "/session.db"

	first, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, first.Controller.Login(context.Background(), be.Host(), "alice", "pw"))
	require.NoError(t, first.Close())

	second, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.Resume(context.Background()))
	snap := second.Controller.Snapshot()
	assert.Equal(t, viewctl.Tracking, snap.State)
	assert.Equal(t, be.Host(), snap.Host)
}

func TestServe(t *testing.T) {
	cfg := testConfig(t)
	cfg.ControlAddr = freeAddr(t)
	cfg.ControlToken = AutoToken
	a, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	base := fmt.Sprintf("http://%s", cfg.ControlAddr)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/metrics")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	token := a.ControlToken()
	require.NotEqual(t, AutoToken, token)
	req, _ := http.NewRequest(http.MethodPost, base+"/func/GetStatus", strings.NewReader(""))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
