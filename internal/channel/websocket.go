package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridrelay/internal/domain"
	"gridrelay/internal/metrics"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPingPeriod = 30 * time.Second
)

// HubConfig configures the websocket subscriber hub.
type HubConfig struct {
	Path       string // default: /hubs/gridevents
	WriteWait  time.Duration
	PingPeriod time.Duration
	Logger     *slog.Logger
}

// Hub keeps the connected dashboard subscribers and pushes every broadcast to
// all of them. Clients only listen; anything they send is discarded.
type Hub struct {
	path       string
	writeWait  time.Duration
	pingPeriod time.Duration
	logger     *slog.Logger

	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Path == "" {
		cfg.Path = "/hubs/gridevents"
	}
	if cfg.WriteWait == 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		path:       cfg.Path,
		writeWait:  cfg.WriteWait,
		pingPeriod: cfg.PingPeriod,
		logger:     cfg.Logger.With("component", "hub"),
		clients:    make(map[string]*wsClient),
	}
}

func (h *Hub) Name() string { return "websocket" }
func (h *Hub) Path() string { return h.path }

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := &wsClient{id: fmt.Sprintf("ws-%d-%p", time.Now().UnixNano(), conn), conn: conn}
	h.mu.Lock()
	h.clients[client.id] = client
	metrics.Subscribers.Set(float64(len(h.clients)))
	h.mu.Unlock()
	h.logger.Info("subscriber connected", "client_id", client.id, "remote", r.RemoteAddr)

	done := make(chan struct{})
	defer func() {
		close(done)
		h.remove(client.id)
		conn.Close()
		h.logger.Info("subscriber disconnected", "client_id", client.id)
	}()

	pongWait := h.pingPeriod * 2
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go h.keepAlive(client, done)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "client_id", client.id, "err", err)
			}
			return
		}
	}
}

func (h *Hub) keepAlive(c *wsClient, done <-chan struct{}) {
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Publish writes the broadcast to every subscriber connected right now.
// A subscriber whose write fails is dropped; that is not an error for the caller.
func (h *Hub) Publish(ctx context.Context, b domain.Broadcast) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(data, h.writeWait); err != nil {
			h.logger.Debug("websocket write failed", "client_id", c.id, "err", err)
			h.remove(c.id)
			c.conn.Close()
		}
	}
	return nil
}

func (c *wsClient) write(data []byte, wait time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	metrics.Subscribers.Set(float64(len(h.clients)))
	h.mu.Unlock()
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.mu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		c.conn.Close()
		delete(h.clients, id)
	}
	metrics.Subscribers.Set(0)
}
