package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// outbound is one queued write. A non-zero closeCode turns it into the
// final close frame.
type outbound struct {
	data      []byte
	closeCode int
	reason    string
}

// Client is a middleman between the websocket connection and the router.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	id         string
	remoteAddr string

	// Buffered channel of outbound frames. It is never closed; done signals
	// the end of the connection instead.
	send chan outbound
	done chan struct{}

	limiter   *rate.Limiter
	closeOnce sync.Once
}

var _ Conn = (*Client)(nil)

func (c *Client) ID() string         { return c.id }
func (c *Client) RemoteAddr() string { return c.remoteAddr }

// Send queues a frame without blocking. A client whose queue is full is too
// slow to keep up and gets disconnected.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- outbound{data: frame}:
		return true
	default:
		c.hub.log.Warn("send queue full, closing connection", zap.String("conn", c.id))
		c.terminate()
		return false
	}
}

// CloseWithReason queues a close frame behind everything already queued.
func (c *Client) CloseWithReason(code int, reason string) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- outbound{closeCode: code, reason: reason}:
	default:
		c.terminate()
	}
}

// terminate drops the connection immediately. The read pump then sees the
// error and runs the normal close path.
func (c *Client) terminate() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.hub.router.HandleClose(c)
		c.terminate()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.hub.log.Debug("read error", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if c.limiter != nil && !c.limiter.Allow() {
			c.hub.metrics.RateLimited()
			c.hub.log.Debug("frame discarded by rate limit", zap.String("conn", c.id))
			continue
		}
		c.hub.router.HandleMessage(c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.terminate()
	}()

	for {
		select {
		case <-c.done:
			return
		case out := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if out.closeCode != 0 {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(out.closeCode, out.reason))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
				c.hub.log.Debug("write error", zap.String("conn", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub owns the websocket connections and feeds their frames to the router.
type Hub struct {
	router   *Router
	cfg      *Config
	metrics  *Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
	closing bool
	wg      sync.WaitGroup
}

func NewHub(router *Router, cfg *Config, metrics *Metrics, log *zap.Logger) *Hub {
	h := &Hub{
		router:  router,
		cfg:     cfg,
		metrics: metrics,
		log:     log,
		clients: make(map[*Client]struct{}),
	}
	origins := newOriginPolicy(cfg.AllowedOrigins, log)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.check,
	}
	return h
}

// ServeWS upgrades the request and starts the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		id:         uuid.NewString(),
		remoteAddr: clientAddr(r, h.cfg.TrustProxyHeaders),
		send:       make(chan outbound, h.cfg.SendBuffer),
		done:       make(chan struct{}),
	}
	if h.cfg.RateLimit.Burst > 0 {
		client.limiter = rate.NewLimiter(rate.Every(h.cfg.RateLimit.Interval), h.cfg.RateLimit.Burst)
	}

	if !h.register(client) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.log.Debug("connection opened", zap.String("conn", client.id), zap.String("addr", client.remoteAddr))

	go func() { defer h.wg.Done(); client.writePump() }()
	go func() { defer h.wg.Done(); client.readPump() }()
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.clients[c] = struct{}{}
	// Added under mu so Shutdown never waits on a group that is still growing.
	h.wg.Add(2)
	h.metrics.ConnectionOpened()
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.metrics.ConnectionClosed()
		h.log.Debug("connection closed", zap.String("conn", c.id))
	}
}

// Count returns the number of open connections, registered or not.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown sends every client a going-away close and waits for the pumps to
// finish or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.CloseWithReason(websocket.CloseGoingAway, "server shutting down")
	}

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		for _, c := range clients {
			c.terminate()
		}
		return ctx.Err()
	}
}
