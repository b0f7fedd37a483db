// Package agent assembles the tracking agent from its configuration.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/rs/zerolog"
	"nuha.dev/gpsagent/internal/apiclient"
	"nuha.dev/gpsagent/internal/config"
	"nuha.dev/gpsagent/internal/events"
	"nuha.dev/gpsagent/internal/gate"
	"nuha.dev/gpsagent/internal/location"
	"nuha.dev/gpsagent/internal/metrics"
	"nuha.dev/gpsagent/internal/mirror"
	"nuha.dev/gpsagent/internal/roster"
	"nuha.dev/gpsagent/internal/store"
	"nuha.dev/gpsagent/internal/store/impl/memstore"
	"nuha.dev/gpsagent/internal/store/impl/pgstore"
	"nuha.dev/gpsagent/internal/store/impl/sqlitestore"
	"nuha.dev/gpsagent/internal/tracker"
	"nuha.dev/gpsagent/internal/util"
	"nuha.dev/gpsagent/internal/viewctl"
	"nuha.dev/gpsagent/internal/webapp"
	"nuha.dev/gpsagent/internal/webstream"
)

const (
	EventAgentReady = "agent_ready"
	EventAgentStop  = "agent_stop"

	// AutoToken as control_token makes the agent generate one at startup.
	AutoToken = "auto"
)

type Agent struct {
	Config     *config.Config
	KV         store.KV
	Store      *store.KVStore
	API        *apiclient.Client
	Gate       *gate.Gate
	Metrics    *metrics.Metrics
	Bus        *events.Bus
	Retry      *tracker.RetryQueue
	Sampler    *tracker.Sampler
	Poller     *roster.Poller
	Controller *viewctl.Controller
	Mirror     *mirror.Mirror

	tokenOnce sync.Once
	token     string
	log       log.Logger
}

// SetupLogging configures the process loggers. When toFile is set (or
// log_file is configured) output goes to a rotating file instead of stderr,
// which keeps a terminal UI readable.
func SetupLogging(cfg *config.Config, toFile bool) (zerolog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	path := cfg.LogFile
	if toFile && path == "" {
		path = "gpsagent.log"
	}
	level := log.ParseLevel(cfg.LogLevel)
	if path != "" {
		fw := &log.FileWriter{Filename: path, MaxSize: 10 << 20, MaxBackups: 3, EnsureFolder: true}
		log.DefaultLogger = log.Logger{Level: level, Writer: fw}
		w, closer = fw, fw
	} else {
		log.DefaultLogger = log.Logger{Level: level, Writer: &log.ConsoleWriter{ColorOutput: true}}
	}

	zl := zerolog.New(w).With().Timestamp().Logger()
	if zlevel, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zl = zl.Level(zlevel)
	}
	return zl, closer
}

// New builds every component. Nothing is started.
func New(cfg *config.Config, logger zerolog.Logger) (*Agent, error) {
	a := &Agent{Config: cfg}
	a.log = log.DefaultLogger
	a.log.Context = log.NewContext(nil).Str("module", "agent").Value()

	kv, err := OpenKV(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.StoreDriver, err)
	}
	a.KV = kv
	a.Store = store.NewKVStore(kv)

	a.Bus, err = events.NewBus(1)
	if err != nil {
		kv.Close()
		return nil, err
	}
	a.Metrics = metrics.New()
	a.API = apiclient.NewClient(&apiclient.ClientConfig{Scheme: cfg.BackendScheme, Timeout: cfg.HTTPTimeout}, logger.With().Str("module", "apiclient").Logger())
	a.Gate = gate.NewGate(a.API, a.Store)

	uploader := tracker.NewUploader(a.API, a.Gate, a.Store, a.Metrics)
	a.Retry = tracker.NewRetryQueue(uploader, &tracker.RetryConfig{
		Capacity: cfg.RetryCapacity,
		Initial:  cfg.RetryInitial,
		Max:      cfg.RetryMax,
	}, a.Metrics)
	a.Sampler = tracker.NewSampler(NewLocator(cfg, logger), uploader, a.Store, a.Retry, a.Bus, a.Metrics, &tracker.SamplerConfig{
		Interval:      cfg.SampleInterval,
		FixTimeout:    cfg.FixTimeout,
		UploadTimeout: cfg.HTTPTimeout,
	})
	if cfg.NatsURL != "" {
		m, err := mirror.Connect(&mirror.MirrorConfig{URL: cfg.NatsURL, Subject: cfg.NatsSubject})
		if err != nil {
			// the mirror is optional; tracking works without it
			a.log.Warn().Err(err).Str("url", cfg.NatsURL).Msg("sample mirror disabled")
		} else {
			a.Mirror = m
			a.Sampler.SetMirror(m)
		}
	}
	a.Poller = roster.NewPoller(a.API, a.Gate, a.Store, a.Bus, a.Metrics, &roster.PollerConfig{
		Interval: cfg.PollInterval,
		Timeout:  cfg.HTTPTimeout,
	})
	a.Controller = viewctl.NewController(a.Gate, a.Sampler, a.Poller, a.Retry, a.Store, a.Bus)
	return a, nil
}

// OpenKV opens the configured durable store.
func OpenKV(cfg *config.Config) (store.KV, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		return sqlitestore.Open(cfg.StorePath)
	case "postgres":
		return pgstore.Connect(cfg.StoreURL, &pgstore.StoreConfig{})
	case "memory":
		return memstore.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func NewLocator(cfg *config.Config, logger zerolog.Logger) location.Locator {
	if cfg.Locator == "static" {
		return &location.StaticLocator{Latitude: cfg.StaticLatitude, Longitude: cfg.StaticLongitude}
	}
	return location.NewGpsdLocator(&location.GpsdConfig{Addr: cfg.GpsdAddr}, logger.With().Str("module", "gpsd").Logger())
}

// ControlToken resolves the configured control token, generating one for
// AutoToken.
func (a *Agent) ControlToken() string {
	a.tokenOnce.Do(func() {
		a.token = a.Config.ControlToken
		if a.token == AutoToken {
			a.token = util.GenRandomString(nil, 24)
			a.log.Info().Str("token", a.token).Msg("generated control token")
		}
	})
	return a.token
}

// Resume restores a persisted session if there is one. A missing session is
// not an error.
func (a *Agent) Resume(ctx context.Context) error {
	err := a.Controller.Resume(ctx)
	if errors.Is(err, store.ErrNoSession) || errors.Is(err, viewctl.ErrSessionIncomplete) {
		a.log.Info().Msg("no stored session, login required")
		return nil
	}
	return err
}

// Serve runs the control API until ctx is done.
func (a *Agent) Serve(ctx context.Context) error {
	token := a.ControlToken()
	stream := webstream.NewWebstream(a.Bus, &webstream.WebstreamConfig{Token: token})
	defer stream.Close()
	api := webapp.NewApi(a.Controller, stream, a.Metrics, &webapp.ApiConfig{
		ListenAddr:   a.Config.ControlAddr,
		ControlToken: token,
	})

	errc := make(chan error, 1)
	go func() {
		errc <- api.Run()
	}()
	a.log.Info().Str("event", EventAgentReady).Str("addr", a.Config.ControlAddr).Msg("")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	a.log.Info().Str("event", EventAgentStop).Msg("")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return api.Shutdown(sctx)
}

// Close stops the cadences and releases the store. The session is kept.
func (a *Agent) Close() error {
	a.Controller.Shutdown()
	if a.Mirror != nil {
		a.Mirror.Close()
	}
	return a.KV.Close()
}
