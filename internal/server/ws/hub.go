// Package ws streams execution records and governance events to WebSocket
// clients. Each client carries a watch filter it can replace at any time.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must stay below pongWait
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Frame types written to clients.
const (
	FrameStatus     = "status"
	FrameWatching   = "watching"
	FrameExecution  = "execution"
	FrameGovernance = "governance"
)

// Frame is one message written to a client.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Watch selects the events a client receives. An empty Assets list means
// every asset.
type Watch struct {
	Executions   bool             `json:"executions"`
	Governance   bool             `json:"governance"`
	FailuresOnly bool             `json:"failures_only"`
	Assets       []common.Address `json:"assets"`
}

func defaultWatch() Watch { return Watch{Executions: true, Governance: true} }

// recordHeader is the part of an execution record the filter looks at.
type recordHeader struct {
	Asset     common.Address `json:"asset"`
	Succeeded bool           `json:"succeeded"`
}

func (w Watch) wantsExecution(h recordHeader) bool {
	if !w.Executions || (w.FailuresOnly && h.Succeeded) {
		return false
	}
	if len(w.Assets) == 0 {
		return true
	}
	for _, a := range w.Assets {
		if a == h.Asset {
			return true
		}
	}
	return false
}

// Config carries the metadata sent in the status frame on connect.
type Config struct {
	Mode string
	// Status, when set, is embedded in the status frame (the pause state).
	Status    func() any
	StartedAt time.Time
	// AllowedOrigins restricts upgrades; empty allows every origin.
	AllowedOrigins []string
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu    sync.Mutex
	watch Watch
}

func (c *client) setWatch(w Watch) {
	c.mu.Lock()
	c.watch = w
	c.mu.Unlock()
}

func (c *client) currentWatch() Watch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watch
}

// Hub fans signal bus events out to connected clients.
type Hub struct {
	bus      domain.SignalBus
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	ready chan struct{}
}

// NewHub returns a hub reading from bus. Call Run to start forwarding.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	if cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode)); cfg.Mode == "" {
		cfg.Mode = "unknown"
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	h := &Hub{
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "ws_hub")),
		clients: make(map[*client]struct{}),
		ready:   make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Run subscribes to the execution and governance channels and forwards
// events until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	execs, err := h.bus.Subscribe(ctx, domain.ChannelExecutions)
	if err != nil {
		return fmt.Errorf("ws: subscribe %s: %w", domain.ChannelExecutions, err)
	}
	gov, err := h.bus.Subscribe(ctx, domain.ChannelGovernance)
	if err != nil {
		return fmt.Errorf("ws: subscribe %s: %w", domain.ChannelGovernance, err)
	}
	close(h.ready)

	for {
		select {
		case <-ctx.Done():
			h.disconnectAll()
			return ctx.Err()
		case data, ok := <-execs:
			if !ok {
				execs = nil
				continue
			}
			h.dispatchExecution(data)
		case data, ok := <-gov:
			if !ok {
				gov = nil
				continue
			}
			h.broadcast(FrameGovernance, data, func(w Watch) bool { return w.Governance })
		}
	}
}

func (h *Hub) dispatchExecution(data []byte) {
	var hdr recordHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		h.logger.Warn("ws: undecodable execution event", slog.String("error", err.Error()))
		return
	}
	h.broadcast(FrameExecution, data, func(w Watch) bool { return w.wantsExecution(hdr) })
}

func (h *Hub) broadcast(kind string, data []byte, wants func(Watch) bool) {
	frame, err := encodeFrame(kind, data)
	if err != nil {
		return
	}
	dropped := 0
	h.mu.Lock()
	for c := range h.clients {
		if !wants(c.currentWatch()) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			dropped++
		}
	}
	h.mu.Unlock()
	if dropped > 0 {
		h.logger.Warn("ws: dropped frame for slow clients",
			slog.String("type", kind), slog.Int("clients", dropped))
	}
}

func encodeFrame(kind string, data []byte) ([]byte, error) {
	if !json.Valid(data) {
		quoted, err := json.Marshal(string(data))
		if err != nil {
			return nil, err
		}
		data = quoted
	}
	return json.Marshal(Frame{Type: kind, Data: data})
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), watch: defaultWatch()}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client connected", slog.Int("clients", total))

	h.sendStatus(c)
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws: client disconnected", slog.Int("clients", total))
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) sendStatus(c *client) {
	status := map[string]any{
		"mode":           h.cfg.Mode,
		"uptime_seconds": max(int64(time.Since(h.cfg.StartedAt).Seconds()), 0),
		"watch":          c.currentWatch(),
	}
	if h.cfg.Status != nil {
		status["engine"] = h.cfg.Status()
	}
	h.reply(c, FrameStatus, status)
}

// reply queues a frame for c alone.
func (h *Hub) reply(c *client, kind string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	frame, err := encodeFrame(kind, raw)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// readPump accepts Watch messages and acknowledges each with a watching
// frame.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var w Watch
		if err := json.Unmarshal(msg, &w); err != nil {
			h.reply(c, FrameWatching, map[string]string{"error": "watch must be a JSON object"})
			continue
		}
		c.setWatch(w)
		h.reply(c, FrameWatching, w)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
