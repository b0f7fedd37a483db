package viewctl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/events"
	"nuha.dev/gpsagent/internal/gate"
	"nuha.dev/gpsagent/internal/gps"
	"nuha.dev/gpsagent/internal/roster"
	"nuha.dev/gpsagent/internal/store"
	"nuha.dev/gpsagent/internal/tracker"
)

type ViewState int

const (
	LoggedOut ViewState = iota
	Tracking
	Viewing
)

func (v ViewState) String() string {
	switch v {
	case LoggedOut:
		return "logged_out"
	case Tracking:
		return "tracking"
	case Viewing:
		return "viewing"
	default:
		return fmt.Sprintf("view_%d", int(v))
	}
}

func (v ViewState) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *ViewState) UnmarshalText(b []byte) error {
	for _, s := range []ViewState{LoggedOut, Tracking, Viewing} {
		if s.String() == string(b) {
			*v = s
			return nil
		}
	}
	return fmt.Errorf("unknown view state %q", b)
}

// TransitionError is returned when an operation is not allowed in the
// current view state.
type TransitionError struct {
	Op     string
	From   ViewState
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s not allowed while %s: %s", e.Op, e.From, e.Reason)
	}
	return fmt.Sprintf("%s not allowed while %s", e.Op, e.From)
}

func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

var ErrSessionIncomplete = errors.New("stored session has no access token")

type Authenticator interface {
	Authenticate(ctx context.Context, host, username, password string) (*store.Session, error)
}

// Snapshot is everything a presentation surface shows.
type Snapshot struct {
	State        ViewState         `json:"state"`
	Host         string            `json:"host,omitempty"`
	Tracking     bool              `json:"tracking"`
	TrackerState tracker.State     `json:"tracker_state"`
	Status       string            `json:"status"`
	Group        string            `json:"group,omitempty"`
	Roster       []gps.RosterEntry `json:"roster"`
	RosterError  string            `json:"roster_error,omitempty"`
	LastPoll     *time.Time        `json:"last_poll,omitempty"`
	RetryDepth   int               `json:"retry_depth"`
	AccessExpiry *time.Time        `json:"access_expiry,omitempty"`
}

// Controller owns the view state and decides which cadences run.
type Controller struct {
	// op serialises transitions; mu guards the fields below it
	op sync.Mutex

	mu     sync.Mutex
	state  ViewState
	group  string
	host   string
	expiry *time.Time

	gate    Authenticator
	sampler *tracker.Sampler
	poller  *roster.Poller
	retry   *tracker.RetryQueue
	store   store.SessionStore
	pub     events.Publisher
	log     log.Logger
}

func NewController(g Authenticator, sampler *tracker.Sampler, poller *roster.Poller, retry *tracker.RetryQueue, st store.SessionStore, pub events.Publisher) *Controller {
	c := &Controller{gate: g, sampler: sampler, poller: poller, retry: retry, store: st, pub: pub}
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "view-controller").Value()
	return c
}

func (c *Controller) State() ViewState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) require(op string, allowed ...ViewState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range allowed {
		if c.state == s {
			return nil
		}
	}
	return &TransitionError{Op: op, From: c.state}
}

func (c *Controller) enter(state ViewState) {
	c.mu.Lock()
	from := c.state
	c.state = state
	c.mu.Unlock()
	if from != state {
		c.log.Info().Str("from", from.String()).Str("to", state.String()).Msg("view changed")
	}
	c.pub.Publish(context.Background(), events.TopicSessionState, c.Snapshot())
}

func (c *Controller) setSession(sess *store.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host = sess.BackendHost
	c.expiry = nil
	if exp, ok := gate.Expiry(sess.AccessToken); ok {
		c.expiry = &exp
	}
}

// Login authenticates and enters Tracking. Tracking itself is not started.
func (c *Controller) Login(ctx context.Context, host, username, password string) error {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.require("Login", LoggedOut); err != nil {
		return err
	}
	sess, err := c.gate.Authenticate(ctx, host, username, password)
	if err != nil {
		return err
	}
	c.setSession(sess)
	c.startSession(ctx)
	c.enter(Tracking)
	return nil
}

// Resume enters Tracking from a session persisted by an earlier run.
func (c *Controller) Resume(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.require("Resume", LoggedOut); err != nil {
		return err
	}
	sess, err := c.store.LoadSession(ctx)
	if err != nil {
		return err
	}
	if sess.AccessToken == "" {
		return ErrSessionIncomplete
	}
	c.setSession(sess)
	c.startSession(ctx)
	c.log.Info().Str("host", sess.BackendHost).Msg("session resumed")
	c.enter(Tracking)
	return nil
}

// startSession starts the retry queue and hands it a sample left buffered
// by an earlier run.
func (c *Controller) startSession(ctx context.Context) {
	pending, err := c.store.LoadPending(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("error loading pending sample")
	} else if pending != nil {
		c.log.Info().EmbedObject(pending).Msg("requeueing buffered sample")
		c.retry.Enqueue(pending)
	}
	c.retry.Start()
}

func (c *Controller) StartTracking() error {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.require("StartTracking", Tracking, Viewing); err != nil {
		return err
	}
	if err := c.sampler.Start(); err != nil {
		return &TransitionError{Op: "StartTracking", From: c.State(), Reason: err.Error()}
	}
	c.enter(c.State())
	return nil
}

func (c *Controller) StopTracking() error {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.require("StopTracking", Tracking, Viewing); err != nil {
		return err
	}
	if !c.sampler.Running() {
		return &TransitionError{Op: "StopTracking", From: c.State(), Reason: "tracking not started"}
	}
	c.sampler.Stop()
	c.enter(c.State())
	return nil
}

// ViewRoster enters Viewing. Only allowed while tracking runs. Polling
// starts when group is not empty.
func (c *Controller) ViewRoster(group string) error {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.require("ViewRoster", Tracking); err != nil {
		return err
	}
	if !c.sampler.Running() {
		return &TransitionError{Op: "ViewRoster", From: Tracking, Reason: "tracking not started"}
	}
	c.setGroup(group)
	c.enter(Viewing)
	return nil
}

// SetGroup switches the polled group while Viewing; an empty group stops
// polling and clears the roster.
func (c *Controller) SetGroup(group string) error {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.require("SetGroup", Viewing); err != nil {
		return err
	}
	c.setGroup(group)
	c.enter(Viewing)
	return nil
}

func (c *Controller) setGroup(group string) {
	group = strings.TrimSpace(group)
	c.mu.Lock()
	c.group = group
	c.mu.Unlock()
	if group == "" {
		c.poller.Reset()
		return
	}
	_ = c.poller.Start(group)
}

func (c *Controller) Back() error {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.require("Back", Viewing); err != nil {
		return err
	}
	c.poller.Reset()
	c.mu.Lock()
	c.group = ""
	c.mu.Unlock()
	c.enter(Tracking)
	return nil
}

// Refresh fetches the roster now, outside the cadence.
func (c *Controller) Refresh(ctx context.Context) error {
	if err := c.require("Refresh", Viewing); err != nil {
		return err
	}
	return c.poller.Refresh(ctx)
}

// Logout stops every cadence, erases the session store and returns to
// LoggedOut.
func (c *Controller) Logout(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.require("Logout", Tracking, Viewing); err != nil {
		return err
	}
	c.poller.Reset()
	c.sampler.Stop()
	c.retry.Stop()
	// an attempt in flight may still write the pending slot
	c.sampler.Wait()
	c.poller.Wait()
	c.retry.Clear()
	err := c.store.Clear(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("error clearing session store")
	}
	c.sampler.ResetStatus()
	c.mu.Lock()
	c.group = ""
	c.host = ""
	c.expiry = nil
	c.mu.Unlock()
	c.enter(LoggedOut)
	return err
}

// Shutdown stops the cadences without touching the store, for process exit.
func (c *Controller) Shutdown() {
	c.op.Lock()
	defer c.op.Unlock()
	c.poller.Stop()
	c.sampler.Stop()
	c.retry.Stop()
	c.poller.Wait()
	c.sampler.Wait()
}

func (c *Controller) Snapshot() *Snapshot {
	c.mu.Lock()
	snap := &Snapshot{State: c.state, Host: c.host, Group: c.group, AccessExpiry: c.expiry}
	c.mu.Unlock()

	snap.TrackerState = c.sampler.State()
	snap.Tracking = snap.TrackerState != tracker.Idle
	snap.Status = c.sampler.Status()
	snap.Roster, snap.RosterError = c.poller.Snapshot()
	if t := c.poller.LastPoll(); !t.IsZero() {
		snap.LastPoll = &t
	}
	snap.RetryDepth = c.retry.Len()
	return snap
}
