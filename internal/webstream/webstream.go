// Package webstream pushes agent events to websocket clients.
package webstream

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"
	"nuha.dev/gpsagent/internal/events"
)

const (
	subscriberKey = "webstream"
	bufferSize    = 32
)

// Message is one event as written to the socket.
type Message struct {
	ID    string      `json:"id"`
	Topic string      `json:"topic"`
	At    time.Time   `json:"at"`
	Data  interface{} `json:"data"`
}

type Subscriber interface {
	Subscribe(key, matcher string, fn func(ctx context.Context, e *events.Event))
	Unsubscribe(key string)
}

type WebstreamConfig struct {
	// Token, when set, must be the first message a client sends.
	Token        string
	TokenTimeout time.Duration
}

type WebstreamServer struct {
	mu      sync.Mutex
	clients map[*WsSubscriber]struct{}
	bus     Subscriber
	config  *WebstreamConfig
	log     log.Logger
}

// WsSubscriber is one connected client. Push never blocks; a client that
// cannot keep up loses messages.
type WsSubscriber struct {
	loc     chan []byte
	skipped uint64
	pushed  uint64
}

func (wsub *WsSubscriber) Push(d []byte) {
	select {
	case wsub.loc <- d:
		atomic.AddUint64(&wsub.pushed, 1)
	default:
		atomic.AddUint64(&wsub.skipped, 1)
	}
}

func NewWebstream(bus Subscriber, config *WebstreamConfig) *WebstreamServer {
	o := &WebstreamServer{bus: bus, config: config}
	if o.config.TokenTimeout <= 0 {
		o.config.TokenTimeout = 5 * time.Second
	}
	o.clients = make(map[*WsSubscriber]struct{})
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "websocket").Value()
	bus.Subscribe(subscriberKey, ".*", o.broadcast)
	return o
}

// Close detaches from the bus. Connected clients are left to their contexts.
func (ws *WebstreamServer) Close() {
	ws.bus.Unsubscribe(subscriberKey)
}

func (ws *WebstreamServer) Clients() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.clients)
}

func (ws *WebstreamServer) broadcast(_ context.Context, e *events.Event) {
	d, err := json.Marshal(&Message{ID: e.ID, Topic: e.Topic, At: time.Now(), Data: e.Data})
	if err != nil {
		ws.log.Error().Err(err).Str("topic", e.Topic).Msg("error encoding event")
		return
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for c := range ws.clients {
		c.Push(d)
	}
}

func (ws *WebstreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		ws.log.Error().Err(err).Msg("Error while upgrading websocket")
		return
	}
	defer c.Close(websocket.StatusInternalError, "")

	if ws.config.Token != "" {
		readCtx, cancel := context.WithTimeout(r.Context(), ws.config.TokenTimeout)
		_, msg, err := c.Read(readCtx)
		cancel()
		if err != nil {
			ws.log.Info().Err(err).Msg("Error while reading control token")
			return
		}
		if subtle.ConstantTimeCompare(msg, []byte(ws.config.Token)) != 1 {
			c.Close(websocket.StatusPolicyViolation, "invalid token")
			ws.log.Info().Msg("invalid websocket token")
			return
		}
	}

	sub := &WsSubscriber{loc: make(chan []byte, bufferSize)}
	ws.mu.Lock()
	ws.clients[sub] = struct{}{}
	ws.mu.Unlock()
	ws.log.Info().Str("remote", r.RemoteAddr).Msg("websocket client connected")
	defer func() {
		ws.mu.Lock()
		delete(ws.clients, sub)
		ws.mu.Unlock()
		ws.log.Info().Str("remote", r.RemoteAddr).
			Uint64("pushed", atomic.LoadUint64(&sub.pushed)).
			Uint64("skipped", atomic.LoadUint64(&sub.skipped)).
			Msg("websocket client disconnected")
	}()

	// clients only listen; CloseRead handles control frames and ends ctx on close
	ctx := c.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case d := <-sub.loc:
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.Write(wctx, websocket.MessageText, d)
			cancel()
			if err != nil {
				ws.log.Info().Err(err).Msg("Error while writing to connection")
				return
			}
		}
	}
}
