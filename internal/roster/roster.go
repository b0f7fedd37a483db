package roster

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/apiclient"
	"nuha.dev/gpsagent/internal/events"
	"nuha.dev/gpsagent/internal/gps"
	"nuha.dev/gpsagent/internal/metrics"
	"nuha.dev/gpsagent/internal/store"
)

const (
	MsgNoHost  = "Host IP not set. Please log in again."
	MsgNoToken = "No access token found. Please log in."
)

var ErrNoGroup = errors.New("no group selected")

// PollError is a failed roster fetch. Message is shown to the user.
type PollError struct {
	Message string
	Err     error
}

func (e *PollError) Error() string {
	return e.Message
}

func (e *PollError) Unwrap() error {
	return e.Err
}

type Backend interface {
	LatestLocations(ctx context.Context, host, access, group string) ([]gps.RosterEntry, error)
}

type Refresher interface {
	Refresh(ctx context.Context, stale *store.Session) (*store.Session, error)
}

type PollerConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Update is published after every poll.
type Update struct {
	Group   string            `json:"group"`
	Entries []gps.RosterEntry `json:"entries"`
	Error   string            `json:"error,omitempty"`
	At      time.Time         `json:"at"`
}

// Poller keeps the latest roster of one group while started.
type Poller struct {
	mu      sync.Mutex
	group   string
	entries []gps.RosterEntry
	errMsg  string
	polled  time.Time
	gen     uint64
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	api     Backend
	gate    Refresher
	store   store.SessionStore
	pub     events.Publisher
	metrics *metrics.Metrics
	config  *PollerConfig
	log     log.Logger
}

func NewPoller(api Backend, gate Refresher, st store.SessionStore, pub events.Publisher, m *metrics.Metrics, config *PollerConfig) *Poller {
	p := &Poller{api: api, gate: gate, store: st, pub: pub, metrics: m, config: config}
	if p.config.Interval <= 0 {
		p.config.Interval = 10 * time.Second
	}
	if p.config.Timeout <= 0 {
		p.config.Timeout = 15 * time.Second
	}
	p.entries = make([]gps.RosterEntry, 0)
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "roster").Value()
	return p
}

// Poll fetches the latest positions of group once. It does not touch the
// displayed roster.
func (p *Poller) Poll(ctx context.Context, group string) ([]gps.RosterEntry, error) {
	if group == "" {
		return nil, ErrNoGroup
	}
	sess, err := p.store.LoadSession(ctx)
	if errors.Is(err, store.ErrNoSession) {
		return nil, &PollError{Message: MsgNoHost, Err: err}
	} else if err != nil {
		return nil, &PollError{Message: err.Error(), Err: err}
	}
	if sess.AccessToken == "" {
		return nil, &PollError{Message: MsgNoToken}
	}
	entries, err := p.api.LatestLocations(ctx, sess.BackendHost, sess.AccessToken, group)
	if apiclient.IsUnauthorized(err) && p.gate != nil {
		if fresh, rerr := p.gate.Refresh(ctx, sess); rerr == nil {
			entries, err = p.api.LatestLocations(ctx, fresh.BackendHost, fresh.AccessToken, group)
		}
	}
	if err != nil {
		return nil, &PollError{Message: err.Error(), Err: err}
	}
	return entries, nil
}

// Start polls group immediately and then once per interval until Stop or
// another Start. Errors clear the roster; the cadence keeps going.
func (p *Poller) Start(group string) error {
	if group == "" {
		return ErrNoGroup
	}
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.gen++
	gen := p.gen
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.group = group
	p.wg.Add(1)
	p.mu.Unlock()

	p.log.Info().Str("group", group).Dur("interval", p.config.Interval).Msg("roster polling started")
	go p.run(ctx, gen, group)
	return nil
}

func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
	p.gen++
	p.log.Info().Str("group", p.group).Msg("roster polling stopped")
}

// Wait blocks until every polling goroutine has returned.
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Refresh polls the current group now, outside the cadence.
func (p *Poller) Refresh(ctx context.Context) error {
	p.mu.Lock()
	group, gen := p.group, p.gen
	p.mu.Unlock()
	if group == "" {
		return ErrNoGroup
	}
	return p.pollAndApply(ctx, gen, group)
}

// Snapshot returns the displayed roster and its error message.
func (p *Poller) Snapshot() (entries []gps.RosterEntry, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]gps.RosterEntry, len(p.entries))
	copy(out, p.entries)
	return out, p.errMsg
}

func (p *Poller) Group() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.group
}

func (p *Poller) LastPoll() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polled
}

// Reset stops polling and forgets the group and the roster.
func (p *Poller) Reset() {
	p.Stop()
	p.mu.Lock()
	p.group = ""
	p.entries = make([]gps.RosterEntry, 0)
	p.errMsg = ""
	p.polled = time.Time{}
	p.mu.Unlock()
	p.metrics.RosterSize.Set(0)
}

func (p *Poller) run(ctx context.Context, gen uint64, group string) {
	defer p.wg.Done()
	// in-flight requests are not tied to the cadence; Stop only discards them
	_ = p.pollAndApply(context.Background(), gen, group)
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			_ = p.pollAndApply(context.Background(), gen, group)
		}
	}
}

// pollAndApply replaces the roster wholesale, unless polling moved on to
// another run meanwhile.
func (p *Poller) pollAndApply(ctx context.Context, gen uint64, group string) error {
	pctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	entries, err := p.Poll(pctx, group)
	cancel()

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return err
	}
	u := &Update{Group: group, At: time.Now()}
	p.polled = u.At
	if err != nil {
		p.entries = make([]gps.RosterEntry, 0)
		p.errMsg = err.Error()
		u.Error = p.errMsg
	} else {
		p.entries = entries
		p.errMsg = ""
	}
	u.Entries = p.entries
	n := len(p.entries)
	p.mu.Unlock()

	p.metrics.RosterSize.Set(float64(n))
	if err != nil {
		p.metrics.RosterPolls.WithLabelValues("error").Inc()
		p.log.Info().Str("group", group).Err(err).Msg("roster poll failed")
		p.pub.Publish(context.Background(), events.TopicRosterError, &events.Status{Message: u.Error, At: u.At})
	} else {
		p.metrics.RosterPolls.WithLabelValues("ok").Inc()
		p.log.Debug().Str("group", group).Int("members", n).Msg("roster updated")
	}
	p.pub.Publish(context.Background(), events.TopicRosterUpdate, u)
	return err
}
