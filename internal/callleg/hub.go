// Package callleg accepts media-stream call legs over websocket and bridges each
// call to the backend agent through its own adapter.
package callleg

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/internal/adapter"
	"github.com/satriahrh/callbridge/internal/audio"
	"github.com/satriahrh/callbridge/internal/metrics"
)

// ErrHubStopped is returned for connections arriving after the hub stopped.
var ErrHubStopped = errors.New("call-leg hub stopped")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Call legs authenticate with a bearer token, not cookies.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// SessionRegistry is the registry as seen by the hub: what its adapters drive, plus end notifications.
type SessionRegistry interface {
	adapter.SessionRegistry
	OnSessionEnded(fn func(entities.Session))
}

// HubConfig configures how accepted call legs are bridged
type HubConfig struct {
	// BackendURL is the websocket endpoint of the backend agent.
	BackendURL string
	// StartTimeout bounds the wait for the start event after the upgrade.
	StartTimeout time.Duration
	// Adapter is applied to every call.
	Adapter adapter.Config
}

// Hub maintains the set of active call legs.
type Hub struct {
	// Registered clients, keyed by connection id.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed when Run returns.
	stopped chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	cfg      HubConfig
	sessions SessionRegistry
	pipeline *audio.Pipeline
	metrics  *metrics.Collector
	base     *zap.Logger
	logger   *zap.Logger
}

// NewHub creates a new call-leg hub
func NewHub(
	cfg HubConfig,
	sessions SessionRegistry,
	pipeline *audio.Pipeline,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	if pipeline == nil {
		pipeline = audio.NewPipeline(logger)
	}
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
		cfg:        cfg,
		sessions:   sessions,
		pipeline:   pipeline,
		metrics:    collector,
		base:       logger,
		logger:     logger.With(zap.String("component", "call_leg_hub")),
	}
	sessions.OnSessionEnded(h.sessionEnded)
	return h
}

// Run starts the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.stopped)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.connID] = client
			h.mu.Unlock()
			h.logger.Info("Call leg registered", zap.String("connID", client.connID))

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client.connID)
			h.mu.Unlock()
			h.logger.Info("Call leg unregistered",
				zap.String("connID", client.connID),
				zap.String("callID", client.ID()))

		case <-ctx.Done():
			return nil
		}
	}
}

// HandleWebSocket upgrades a call-leg request. callID is the call the caller's
// token was issued for; empty accepts whatever the start event announces.
func (h *Hub) HandleWebSocket(c echo.Context, callID string) error {
	select {
	case <-h.stopped:
		return echo.NewHTTPError(http.StatusServiceUnavailable, ErrHubStopped.Error())
	default:
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := newClient(h, conn, callID, h.logger)

	select {
	case h.register <- client:
	case <-h.stopped:
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
	go h.bridge(client)

	return nil
}

// bridge waits for the start event and runs one adapter for the call.
func (h *Hub) bridge(c *Client) {
	timer := time.NewTimer(h.cfg.StartTimeout)
	defer timer.Stop()

	select {
	case <-c.started:
	case <-c.closed:
		return
	case <-timer.C:
		c.reject("no start event")
		return
	}

	a := adapter.New(h.cfg.Adapter, h.sessions, h.pipeline, h.metrics, h.base)
	c.setAdapter(a)
	h.metrics.CallLegAccepted()

	if err := a.Start(context.Background(), c, h.cfg.BackendURL); err != nil {
		h.logger.Warn("Call not bridged", zap.String("callID", c.ID()), zap.Error(err))
	}
}

// sessionEnded stops the adapter still running a session that was ended elsewhere.
// For sessions the adapter ended itself this is a no-op.
func (h *Hub) sessionEnded(session entities.Session) {
	for _, c := range h.snapshot() {
		a := c.adapter()
		if a == nil || a.SessionID() != session.ID {
			continue
		}
		if a.State() == adapter.StateActive || a.State() == adapter.StateConnecting {
			h.logger.Info("Session ended outside its call, hanging up",
				zap.String("sessionID", session.ID),
				zap.String("callID", session.CallID),
				zap.String("reason", session.EndReason))
		}
		a.SessionEnded(session)
		return
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

// Count returns the number of connected call legs.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ActiveCalls returns a snapshot of every bridged call, ordered by call id.
func (h *Hub) ActiveCalls() []adapter.Stats {
	var calls []adapter.Stats
	for _, c := range h.snapshot() {
		if a := c.adapter(); a != nil {
			calls = append(calls, a.Stats())
		}
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].CallID < calls[j].CallID })
	return calls
}

// StopAll ends every call with reason and hangs up its leg.
func (h *Hub) StopAll(reason string) {
	clients := h.snapshot()
	for _, c := range clients {
		if a := c.adapter(); a != nil {
			a.Stop(reason)
		}
		_ = c.Close()
	}
	if len(clients) > 0 {
		h.logger.Info("Stopped all call legs", zap.Int("count", len(clients)), zap.String("reason", reason))
	}
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}
