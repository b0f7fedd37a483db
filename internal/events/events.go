// Package events carries status changes from the agent components to the
// presentation surfaces.
package events

import (
	"context"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
)

const (
	TopicTrackerStatus = "tracker.status"
	TopicTrackerSample = "tracker.sample"
	TopicRosterUpdate  = "roster.update"
	TopicRosterError   = "roster.error"
	TopicSessionState  = "session.state"
)

var Topics = []string{TopicTrackerStatus, TopicTrackerSample, TopicRosterUpdate, TopicRosterError, TopicSessionState}

// 2024-01-01T00:00:00Z in milliseconds, the epoch of event ids
const epochMillis uint64 = 1704067200000

type Event = bus.Event

// Publisher is what components get to report their state.
type Publisher interface {
	Publish(ctx context.Context, topic string, data interface{})
}

type Bus struct {
	b   *bus.Bus
	log log.Logger
}

func NewBus(node uint64) (*Bus, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), node, epochMillis)
	if err != nil {
		return nil, err
	}
	var idGenerator bus.Next = m.Next
	b, err := bus.NewBus(idGenerator)
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(Topics...)
	o := &Bus{b: b}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "events").Value()
	return o, nil
}

// Publish emits synchronously; handlers must not block.
func (o *Bus) Publish(ctx context.Context, topic string, data interface{}) {
	if err := o.b.Emit(ctx, topic, data); err != nil {
		o.log.Error().Err(err).Str("topic", topic).Msg("error emitting event")
	}
}

// Subscribe registers fn under key for every topic matching the regular
// expression matcher. A second Subscribe with the same key replaces the first.
func (o *Bus) Subscribe(key, matcher string, fn func(ctx context.Context, e *Event)) {
	o.b.DeregisterHandler(key)
	o.b.RegisterHandler(key, bus.Handler{Handle: func(ctx context.Context, e bus.Event) { fn(ctx, &e) }, Matcher: matcher})
}

func (o *Bus) Unsubscribe(key string) {
	o.b.DeregisterHandler(key)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, string, interface{}) {}

// Status is the payload of TopicTrackerStatus and TopicRosterError.
type Status struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}
