// Package connector keeps a reconnecting duplex message channel to the backend agent.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain"
)

// State of the backend channel
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateExhausted:
		return "disconnected(exhausted)"
	default:
		return "unknown"
	}
}

// GreetingAction is sent on every successful connect to start the backend conversation.
const GreetingAction = "start_conversation"

// Handler receives one validated envelope on the read goroutine
type Handler func(env domain.Envelope)

// StateChangeHandler is called on every state transition
type StateChangeHandler func(oldState, newState State)

// ErrorHandler receives protocol errors and failed reconnect attempts
type ErrorHandler func(err error)

// Config configures one connector
type Config struct {
	URL       string
	Header    http.Header
	SessionID string
	// Protocol and Source are echoed in the greeting.
	Protocol string
	Source   string

	ConnectTimeout       time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	WriteTimeout         time.Duration
	PongWait             time.Duration
	MaxMessageSize       int64
}

// DefaultConfig returns the default settings for url
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		Source:               "callbridge",
		ConnectTimeout:       10 * time.Second,
		ReconnectBaseDelay:   time.Second,
		MaxReconnectAttempts: 5,
		WriteTimeout:         10 * time.Second,
		PongWait:             60 * time.Second,
		MaxMessageSize:       1 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.URL)
	if c.Source == "" {
		c.Source = d.Source
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

// Stats is a snapshot of connector counters
type Stats struct {
	State          string `json:"state"`
	Attempt        int    `json:"attempt"`
	Reconnects     int64  `json:"reconnects"`
	Sent           int64  `json:"sent"`
	Received       int64  `json:"received"`
	ProtocolErrors int64  `json:"protocolErrors"`
}

// Connector is a per-session websocket client to the backend agent
type Connector struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.Logger
	state  atomic.Int32

	mu       sync.RWMutex
	conn     *websocket.Conn
	cancel   context.CancelFunc
	handlers map[domain.MessageType]Handler

	onStateChange StateChangeHandler
	onError       ErrorHandler
	onExhausted   func()
	exhaustedOnce sync.Once

	writeMu sync.Mutex

	attempt        atomic.Int32
	reconnects     atomic.Int64
	sent           atomic.Int64
	received       atomic.Int64
	protocolErrors atomic.Int64
}

// New creates a disconnected connector
func New(cfg Config, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = cfg.ConnectTimeout

	c := &Connector{
		cfg:      cfg,
		dialer:   &dialer,
		handlers: make(map[domain.MessageType]Handler),
		logger: logger.With(
			zap.String("component", "connector"),
			zap.String("sessionID", cfg.SessionID)),
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// Handle registers the handler for one message type, replacing any previous one.
func (c *Connector) Handle(msgType domain.MessageType, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = h
}

func (c *Connector) SetStateChangeHandler(h StateChangeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = h
}

func (c *Connector) SetErrorHandler(h ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = h
}

// SetExhaustedHandler registers the handler fired once when the reconnect budget is spent.
func (c *Connector) SetExhaustedHandler(h func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExhausted = h
}

// State returns the current state
func (c *Connector) State() State {
	return State(c.state.Load())
}

// Connect dials the backend and sends the greeting. The dial is bounded by ConnectTimeout.
func (c *Connector) Connect(ctx context.Context) error {
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return fmt.Errorf("connect: connector is %s", c.State())
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		c.logger.Warn("Backend connection failed", zap.String("url", c.cfg.URL), zap.Error(err))
		return &domain.ConnectionError{URL: c.cfg.URL, Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.State() != StateConnecting {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("connect: disconnected while dialing: %w", domain.ErrNotConnected)
	}
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()

	if !c.compareAndSwapState(StateConnecting, StateConnected) {
		cancel()
		conn.Close()
		return fmt.Errorf("connect: disconnected while dialing: %w", domain.ErrNotConnected)
	}
	c.attempt.Store(0)
	c.logger.Info("Connected to backend", zap.String("url", c.cfg.URL))

	c.start(runCtx, conn)
	return nil
}

// SendAudio sends one canonical PCM chunk. Nothing is queued while not connected.
func (c *Connector) SendAudio(pcm []byte) error {
	env, err := domain.NewAudioEnvelope(c.cfg.SessionID, pcm)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// SendText sends a text message
func (c *Connector) SendText(text string) error {
	env, err := domain.NewEnvelope(domain.MessageTypeText, c.cfg.SessionID, domain.TextPayload{Text: text})
	if err != nil {
		return err
	}
	return c.Send(env)
}

// Send writes one envelope. It returns a wrapped domain.ErrNotConnected outside StateConnected.
func (c *Connector) Send(env domain.Envelope) error {
	if c.State() != StateConnected {
		return fmt.Errorf("send %s: %w", env.Type, domain.ErrNotConnected)
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("send %s: %w", env.Type, domain.ErrNotConnected)
	}
	return c.write(conn, env)
}

// Disconnect closes the channel without running the retry policy and cancels any pending retry.
// It does not wait for the read goroutine, so handlers may call it.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	oldState := c.State()
	if oldState != StateExhausted {
		oldState = State(c.state.Swap(int32(StateDisconnected)))
	}
	c.mu.Unlock()

	if oldState != StateExhausted && oldState != StateDisconnected {
		c.notifyState(oldState, StateDisconnected)
	}

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
		c.logger.Info("Disconnected from backend")
	}
}

// Stats returns a snapshot of connector counters
func (c *Connector) Stats() Stats {
	return Stats{
		State:          c.State().String(),
		Attempt:        int(c.attempt.Load()),
		Reconnects:     c.reconnects.Load(),
		Sent:           c.sent.Load(),
		Received:       c.received.Load(),
		ProtocolErrors: c.protocolErrors.Load(),
	}
}

func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// start runs the loops for a freshly connected conn and sends the greeting.
func (c *Connector) start(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(c.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	done := make(chan struct{})
	go c.readLoop(ctx, conn, done)
	go c.keepalive(ctx, conn, done)

	greeting, err := domain.NewEnvelope(domain.MessageTypeGreeting, c.cfg.SessionID, domain.GreetingPayload{
		Action:   GreetingAction,
		Protocol: c.cfg.Protocol,
		Source:   c.cfg.Source,
	})
	if err == nil {
		err = c.write(conn, greeting)
	}
	if err != nil {
		c.logger.Warn("Failed to send greeting", zap.Error(err))
	}
}

func (c *Connector) write(conn *websocket.Conn, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", env.Type, err)
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.connectionLost(conn, err)
		return fmt.Errorf("write %s envelope: %w", env.Type, err)
	}
	c.sent.Add(1)
	return nil
}

func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.connectionLost(conn, err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.dispatch(ctx, data)
	}
}

func (c *Connector) keepalive(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.connectionLost(conn, err)
				return
			}
		}
	}
}

// dispatch parses one frame and runs its handler. Frames are independent: a bad frame never closes the channel.
func (c *Connector) dispatch(ctx context.Context, data []byte) {
	c.received.Add(1)

	env, err := domain.ParseEnvelope(data)
	if err != nil {
		c.protocolErrors.Add(1)
		c.logger.Warn("Dropping invalid backend message", zap.Error(err))
		c.reportError(err)
		return
	}

	c.mu.RLock()
	h, ok := c.handlers[env.Type]
	c.mu.RUnlock()
	if !ok {
		if env.Type.IsKnown() {
			c.logger.Debug("No handler for message type", zap.String("type", string(env.Type)))
		} else {
			c.logger.Warn("Unknown message type dropped", zap.String("type", string(env.Type)))
		}
		return
	}

	if ctx.Err() != nil {
		return
	}
	h(env)
}

// connectionLost moves a connected channel into the retry policy. Only the first report for conn counts.
func (c *Connector) connectionLost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	if !c.compareAndSwapState(StateConnected, StateReconnecting) {
		conn.Close()
		return
	}
	conn.Close()

	c.logger.Warn("Backend connection lost", zap.Error(cause))

	// The old run context is cancelled so its loops exit; the retry gets its own.
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return
	}
	c.cancel()
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go c.reconnectLoop(ctx)
}

func (c *Connector) reconnectLoop(ctx context.Context) {
	b := NewLinearBackOff(c.cfg.ReconnectBaseDelay, c.cfg.MaxReconnectAttempts)

	for {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			c.exhaust()
			return
		}
		attempt := b.Attempt()
		c.attempt.Store(int32(attempt))

		c.logger.Info("Reconnecting to backend",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", c.cfg.MaxReconnectAttempts),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("Reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			c.reportError(&domain.ConnectionError{URL: c.cfg.URL, Attempt: attempt, Err: err})
			continue
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		if !c.compareAndSwapState(StateReconnecting, StateConnected) {
			conn.Close()
			return
		}
		c.attempt.Store(0)
		c.reconnects.Add(1)
		c.logger.Info("Reconnected to backend", zap.Int("attempt", attempt))

		c.start(ctx, conn)
		return
	}
}

func (c *Connector) exhaust() {
	if !c.compareAndSwapState(StateReconnecting, StateExhausted) {
		return
	}
	c.logger.Error("Reconnect attempts exhausted", zap.Int("maxAttempts", c.cfg.MaxReconnectAttempts))

	c.mu.RLock()
	h := c.onExhausted
	c.mu.RUnlock()
	c.exhaustedOnce.Do(func() {
		if h != nil {
			h()
		}
	})
}

func (c *Connector) reportError(err error) {
	c.mu.RLock()
	h := c.onError
	c.mu.RUnlock()
	if h != nil {
		h(err)
	}
}

func (c *Connector) setState(newState State) {
	oldState := State(c.state.Swap(int32(newState)))
	if oldState != newState {
		c.notifyState(oldState, newState)
	}
}

func (c *Connector) compareAndSwapState(oldState, newState State) bool {
	swapped := c.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped {
		c.notifyState(oldState, newState)
	}
	return swapped
}

func (c *Connector) notifyState(oldState, newState State) {
	c.mu.RLock()
	h := c.onStateChange
	c.mu.RUnlock()
	if h != nil {
		h(oldState, newState)
	}
}

// IsNotConnected reports whether err came from a send outside StateConnected.
func IsNotConnected(err error) bool {
	return errors.Is(err, domain.ErrNotConnected)
}
