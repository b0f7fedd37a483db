package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/gps"
	"nuha.dev/gpsagent/internal/roster"
	"nuha.dev/gpsagent/internal/viewctl"
)

// Controller is the part of viewctl.Controller the control API drives.
type Controller interface {
	Login(ctx context.Context, host, username, password string) error
	Logout(ctx context.Context) error
	StartTracking() error
	StopTracking() error
	ViewRoster(group string) error
	SetGroup(group string) error
	Back() error
	Refresh(ctx context.Context) error
	Snapshot() *viewctl.Snapshot
}

type GroupRequestModel struct {
	Group string `json:"group" validate:"max=150"`
}

type RosterResponseModel struct {
	Group    string            `json:"group"`
	Entries  []gps.RosterEntry `json:"entries"`
	Error    string            `json:"error,omitempty"`
	LastPoll *time.Time        `json:"last_poll,omitempty"`
}

type TrackerApi struct {
	ctl Controller
	log log.Logger
}

func NewTrackerApi(ctl Controller) *TrackerApi {
	t := &TrackerApi{ctl: ctl}
	t.log = log.DefaultLogger
	t.log.Context = log.NewContext(nil).Str("module", "tracker-api").Value()
	return t
}

func (t *TrackerApi) snapshot(err error, res *viewctl.Snapshot) error {
	if err != nil {
		return err
	}
	*res = *t.ctl.Snapshot()
	return nil
}

func (t *TrackerApi) StartTracking(ctx context.Context, res *viewctl.Snapshot) error {
	return t.snapshot(t.ctl.StartTracking(), res)
}

func (t *TrackerApi) StopTracking(ctx context.Context, res *viewctl.Snapshot) error {
	return t.snapshot(t.ctl.StopTracking(), res)
}

func (t *TrackerApi) ViewRoster(ctx context.Context, req *GroupRequestModel, res *viewctl.Snapshot) error {
	return t.snapshot(t.ctl.ViewRoster(req.Group), res)
}

func (t *TrackerApi) SetGroup(ctx context.Context, req *GroupRequestModel, res *viewctl.Snapshot) error {
	return t.snapshot(t.ctl.SetGroup(req.Group), res)
}

func (t *TrackerApi) Back(ctx context.Context, res *viewctl.Snapshot) error {
	return t.snapshot(t.ctl.Back(), res)
}

func (t *TrackerApi) GetStatus(ctx context.Context, res *viewctl.Snapshot) error {
	return t.snapshot(nil, res)
}

// FetchRoster polls now. A failed poll is not an API error; the roster
// comes back empty with the message set.
func (t *TrackerApi) FetchRoster(ctx context.Context, res *RosterResponseModel) error {
	err := t.ctl.Refresh(ctx)
	var pe *roster.PollError
	if err != nil && !errors.As(err, &pe) {
		return err
	}
	snap := t.ctl.Snapshot()
	res.Group = snap.Group
	res.Entries = snap.Roster
	res.Error = snap.RosterError
	res.LastPoll = snap.LastPoll
	if pe != nil {
		t.log.Info().Str("group", snap.Group).Err(err).Msg("manual roster refresh failed")
	}
	return nil
}
