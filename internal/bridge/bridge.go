// Package bridge relays mjai events from websocket front-ends to a single
// serialized MJAPI client.
package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/alexbotov/mjapi/pkg/mjapi"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 64 * 1024
	stopWait   = 5 * time.Second
)

// Backend is the part of the MJAPI client the bridge drives
type Backend interface {
	StartBot(ctx context.Context, id, bound int, model string) (mjapi.Payload, error)
	StopBot(ctx context.Context) mjapi.Payload
	Batch(ctx context.Context, actions []mjapi.Action) (mjapi.Payload, error)
}

// Defaults fill in start parameters a front-end leaves out
type Defaults struct {
	Bound int
	Model string
}

// Bridge serves the /ws relay endpoint. The service keeps one bot per
// account, so one connection at a time owns the game: from its start until
// it stops or disconnects.
type Bridge struct {
	backend  Backend
	defaults Defaults
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	owner *conn
}

// New creates a bridge that forwards to backend
func New(backend Backend, defaults Defaults, logger zerolog.Logger) *Bridge {
	return &Bridge{
		backend:  backend,
		defaults: defaults,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // front-ends run locally
			},
		},
	}
}

// Router creates the bridge's HTTP router
func (b *Bridge) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", b.HandleWebSocket)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	return r
}

// inbound is a message from a front-end
type inbound struct {
	Type   string            `json:"type"`
	ID     *int              `json:"id,omitempty"`
	Bound  *int              `json:"bound,omitempty"`
	Model  string            `json:"model,omitempty"`
	Events []json.RawMessage `json:"events,omitempty"`
}

// conn is one front-end connection. seq numbers its events from the last
// start onward.
type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	seq    int
	logger zerolog.Logger
}

// HandleWebSocket upgrades the request and relays until the peer goes away
func (b *Bridge) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &conn{
		ws:     ws,
		send:   make(chan []byte, 256),
		logger: b.logger.With().Str("remote", r.RemoteAddr).Logger(),
	}
	c.logger.Info().Msg("front-end connected")

	go c.writePump()
	go b.readPump(c)
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles messages in arrival order. It is the only sender on
// c.send and closes it on exit.
func (b *Bridge) readPump(c *conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		b.release(c)
		close(c.send)
		c.logger.Info().Msg("front-end disconnected")
	}()

	c.ws.SetReadLimit(readLimit)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("invalid message")
			continue
		}
		b.handle(ctx, c, &msg)
	}
}

func (b *Bridge) handle(ctx context.Context, c *conn, msg *inbound) {
	switch msg.Type {
	case "start":
		b.handleStart(ctx, c, msg)

	case "events":
		b.handleEvents(ctx, c, msg)

	case "stop":
		b.handleStop(ctx, c)

	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

func (b *Bridge) handleStart(ctx context.Context, c *conn, msg *inbound) {
	if msg.ID == nil {
		c.sendError("start requires id")
		return
	}
	bound, model := b.defaults.Bound, b.defaults.Model
	if msg.Bound != nil {
		bound = *msg.Bound
	}
	if msg.Model != "" {
		model = msg.Model
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.owner != nil && b.owner != c {
		c.sendError("another game is active")
		return
	}

	body, err := b.backend.StartBot(ctx, *msg.ID, bound, model)
	if err != nil {
		c.logger.Warn().Err(err).Msg("start bot failed")
		c.sendError(err.Error())
		return
	}
	b.owner = c
	c.seq = 0
	c.sendMessage(map[string]interface{}{"type": "started", "body": body})
}

func (b *Bridge) handleEvents(ctx context.Context, c *conn, msg *inbound) {
	if len(msg.Events) == 0 {
		c.sendError("events must not be empty")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.owner != nil && b.owner != c {
		c.sendError("another game is active")
		return
	}

	actions := make([]mjapi.Action, len(msg.Events))
	for i, ev := range msg.Events {
		actions[i] = mjapi.Action{Seq: c.seq + i, Data: ev}
	}
	last := actions[len(actions)-1].Seq

	reaction, err := b.backend.Batch(ctx, actions)
	if err != nil {
		c.logger.Warn().Err(err).Int("seq", last).Msg("batch failed")
		c.sendError(err.Error())
		return
	}
	if errMsg, ok := reaction.ErrorMessage(); ok {
		c.sendError(errMsg)
		return
	}

	c.seq = last + 1
	c.sendMessage(map[string]interface{}{"type": "reaction", "seq": last, "reaction": reaction})
}

func (b *Bridge) handleStop(ctx context.Context, c *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.owner != nil && b.owner != c {
		c.sendError("another game is active")
		return
	}
	b.owner = nil
	c.sendMessage(map[string]interface{}{"type": "stopped", "body": b.backend.StopBot(ctx)})
}

// release stops the bot if c still owns the game
func (b *Bridge) release(c *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.owner != c {
		return
	}
	b.owner = nil

	ctx, cancel := context.WithTimeout(context.Background(), stopWait)
	defer cancel()
	b.backend.StopBot(ctx)
	c.logger.Info().Msg("game released")
}

func (c *conn) sendMessage(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to encode message")
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn().Msg("send buffer full, message dropped")
	}
}

func (c *conn) sendError(message string) {
	c.sendMessage(map[string]interface{}{"type": "error", "error": message})
}
