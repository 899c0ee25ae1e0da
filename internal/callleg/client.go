package callleg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain"
	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/adapter"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// Inbound frames buffered until the adapter starts forwarding.
	audioBuffer = 64
)

// ErrAlreadySubscribed is returned by SubscribeAudio after the first call.
var ErrAlreadySubscribed = errors.New("audio already subscribed")

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is one phone-side media stream. It implements repositories.CallLeg.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	// Connection id, known before the call id
	connID string

	// Call id the token was issued for, empty when unbound
	boundCallID string

	logger *zap.Logger

	audio      chan repositories.AudioFrame
	subscribed atomic.Bool
	dropped    atomic.Int64

	started   chan struct{}
	startOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.RWMutex
	callID      string
	participant repositories.Participant
	format      domain.AudioFormat
	bridge      *adapter.Adapter
}

var _ repositories.CallLeg = (*Client)(nil)

func newClient(hub *Hub, conn *websocket.Conn, boundCallID string, logger *zap.Logger) *Client {
	connID := uuid.NewString()
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan WriteData, 256),
		connID:      connID,
		boundCallID: boundCallID,
		logger:      logger.With(zap.String("connID", connID)),
		audio:       make(chan repositories.AudioFrame, audioBuffer),
		started:     make(chan struct{}),
		closed:      make(chan struct{}),
		format:      domain.TelephonyFormat,
	}
}

// ID returns the call id announced by the start event
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callID
}

// Connect succeeds while the media stream is open. The socket is already
// accepted by the time an adapter sees the client.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.closed:
		return fmt.Errorf("connect: %w", domain.ErrNotConnected)
	default:
		return ctx.Err()
	}
}

// WaitForParticipant blocks until the start event arrived.
func (c *Client) WaitForParticipant(ctx context.Context) (repositories.Participant, error) {
	select {
	case <-c.started:
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.participant, nil
	case <-c.closed:
		return repositories.Participant{}, fmt.Errorf("wait for participant: %w", domain.ErrNotConnected)
	case <-ctx.Done():
		return repositories.Participant{}, ctx.Err()
	}
}

// SubscribeAudio hands out the inbound audio channel. It closes when the stream ends.
func (c *Client) SubscribeAudio() (<-chan repositories.AudioFrame, error) {
	if !c.subscribed.CompareAndSwap(false, true) {
		return nil, ErrAlreadySubscribed
	}
	return c.audio, nil
}

// PublishAudio queues audio in Format() toward the caller.
func (c *Client) PublishAudio(data []byte) error {
	return c.enqueue(newMediaMessage(c.ID(), data))
}

// Format is the audio format announced by the start event
func (c *Client) Format() domain.AudioFormat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.format
}

// Close hangs up the media stream. It is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

func (c *Client) adapter() *adapter.Adapter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bridge
}

func (c *Client) setAdapter(a *adapter.Adapter) {
	c.mu.Lock()
	c.bridge = a
	c.mu.Unlock()
}

func (c *Client) enqueue(msg Message) error {
	select {
	case <-c.closed:
		return fmt.Errorf("send %s: %w", msg.Event, domain.ErrNotConnected)
	default:
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
		return nil
	default:
		return fmt.Errorf("send %s: outbound buffer full", msg.Event)
	}
}

// reject tells the phone side why the stream is refused and hangs up.
func (c *Client) reject(reason string) {
	c.log().Warn("Call leg rejected", zap.String("reason", reason))
	_ = c.enqueue(newErrorMessage(c.ID(), reason))
	_ = c.Close()
}

// readPump pumps messages from the websocket connection to the adapter.
func (c *Client) readPump() {
	defer func() {
		close(c.audio)
		if a := c.adapter(); a != nil {
			a.Stop(entities.EndReasonHangup)
		}
		_ = c.Close()
		c.hub.leave(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log().Error("WebSocket error", zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if stop := c.processMessage(message); stop {
				return
			}
		case websocket.BinaryMessage:
			c.processAudio(message)
		default:
			c.log().Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps queued messages to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.log().Error("Failed to write message", zap.Error(err))
				_ = c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}

		case <-c.closed:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued, e.g. a rejection reason.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

// processMessage handles one JSON frame and reports whether the stream stopped.
func (c *Client) processMessage(message []byte) bool {
	msg, err := ParseMessage(message)
	if err != nil {
		c.log().Warn("Invalid call-leg message", zap.Error(err))
		return false
	}

	switch msg.Event {
	case EventStart:
		c.handleStart(msg)
	case EventMedia:
		data, err := msg.Audio()
		if err != nil {
			c.log().Warn("Media payload is not base64", zap.Error(err))
			return false
		}
		c.processAudio(data)
	case EventText:
		c.handleText(msg.Text)
	case EventStop:
		c.log().Info("Call leg stopped", zap.String("callID", c.ID()))
		return true
	}
	return false
}

func (c *Client) handleStart(msg Message) {
	select {
	case <-c.started:
		c.log().Warn("Duplicate start event ignored")
		return
	default:
	}

	callID := msg.CallID
	if c.boundCallID != "" {
		if callID != "" && callID != c.boundCallID {
			c.reject("call id does not match token")
			return
		}
		callID = c.boundCallID
	}
	if callID == "" {
		callID = uuid.NewString()
	}

	format, err := msg.AudioFormat()
	if err != nil {
		c.reject(err.Error())
		return
	}

	participantID := msg.ParticipantID
	if participantID == "" {
		participantID = "caller-" + callID
	}

	c.mu.Lock()
	c.callID = callID
	c.format = format
	c.participant = repositories.Participant{ID: participantID, CallID: callID}
	c.logger = c.logger.With(zap.String("callID", callID))
	c.mu.Unlock()

	c.startOnce.Do(func() { close(c.started) })
	c.log().Info("Call leg started",
		zap.String("participantID", participantID),
		zap.String("format", format.String()))
}

// processAudio queues a raw frame in the announced format.
func (c *Client) processAudio(data []byte) {
	select {
	case <-c.started:
	default:
		c.log().Warn("Audio before start event dropped", zap.Int("size", len(data)))
		return
	}

	frame := repositories.AudioFrame{Data: data, Format: c.Format()}
	select {
	case c.audio <- frame:
	default:
		if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
			c.log().Warn("Inbound audio buffer full, dropping frames", zap.Int64("dropped", n))
		}
	}
}

func (c *Client) handleText(text string) {
	a := c.adapter()
	if a == nil {
		c.log().Debug("Text before bridge ignored")
		return
	}
	if err := a.SendText(text); err != nil {
		c.log().Debug("Text not relayed", zap.Error(err))
	}
}

func (c *Client) log() *zap.Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}
