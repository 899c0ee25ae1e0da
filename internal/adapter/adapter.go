// Package adapter bridges one call leg to the backend agent for the lifetime of a call.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain"
	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/audio"
	"github.com/satriahrh/callbridge/internal/connector"
	"github.com/satriahrh/callbridge/internal/metrics"
	"github.com/satriahrh/callbridge/internal/registry"
)

// State of one bridged call
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateEnding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionRegistry is the part of the registry an adapter drives
type SessionRegistry interface {
	CreateSession(desc registry.SessionDescriptor) (entities.Session, error)
	GetSession(id string) (entities.Session, bool)
	AttachParticipant(id, participantID string) error
	AddDataPoint(id string, point entities.DataPoint) error
	RecordHandoff(id string, event entities.HandoffEvent) error
	RecordAudioChunk(id string) error
	RecordMessage(id string) error
	RecordError(id string) error
	RecordLatency(id string, d time.Duration) error
	EndSession(id, reason string) (entities.Session, bool)
}

var _ SessionRegistry = (*registry.Registry)(nil)

// Config holds per-call settings
type Config struct {
	Protocol      entities.ProtocolKind
	SetupTimeout  time.Duration
	Connector     connector.Config
	SessionConfig map[string]any
}

// Stats is a snapshot of one call for the API
type Stats struct {
	CallID    string          `json:"callId"`
	SessionID string          `json:"sessionId"`
	State     string          `json:"state"`
	Connector connector.Stats `json:"connector"`
}

// Adapter owns one call: its session, its backend connector and its call leg
type Adapter struct {
	cfg      Config
	registry SessionRegistry
	pipeline *audio.Pipeline
	metrics  *metrics.Collector
	base     *zap.Logger

	state atomic.Int32
	done  chan struct{}

	mu        sync.RWMutex
	logger    *zap.Logger
	sessionID string
	leg       repositories.CallLeg
	conn      *connector.Connector
}

// New creates an idle adapter
func New(cfg Config, sessions SessionRegistry, pipeline *audio.Pipeline, collector *metrics.Collector, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Protocol == "" {
		cfg.Protocol = entities.ProtocolTelephony
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = 10 * time.Second
	}
	if pipeline == nil {
		pipeline = audio.NewPipeline(logger)
	}
	return &Adapter{
		cfg:      cfg,
		registry: sessions,
		pipeline: pipeline,
		metrics:  collector,
		base:     logger,
		logger:   logger.With(zap.String("component", "protocol_adapter")),
		done:     make(chan struct{}),
	}
}

// State returns the current state
func (a *Adapter) State() State {
	return State(a.state.Load())
}

// SessionID is empty until Start has created the session.
func (a *Adapter) SessionID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessionID
}

// Done is closed once the adapter reaches StateClosed.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// Stats returns a snapshot of the call
func (a *Adapter) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := Stats{SessionID: a.sessionID, State: a.State().String()}
	if a.leg != nil {
		stats.CallID = a.leg.ID()
	}
	if a.conn != nil {
		stats.Connector = a.conn.Stats()
	}
	return stats
}

// Start creates the session, connects both sides and begins relaying.
// Every failure ends the session with reason "setup failed" and wraps domain.ErrSetupFailed.
func (a *Adapter) Start(ctx context.Context, leg repositories.CallLeg, endpoint string) error {
	if !a.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return fmt.Errorf("start: adapter is %s", a.State())
	}

	a.mu.Lock()
	a.leg = leg
	a.mu.Unlock()

	session, err := a.registry.CreateSession(registry.SessionDescriptor{
		CallID:   leg.ID(),
		Protocol: a.cfg.Protocol,
		Config:   a.cfg.SessionConfig,
	})
	if err != nil {
		return a.failSetup("create session", err)
	}

	a.mu.Lock()
	a.sessionID = session.ID
	a.logger = a.logger.With(zap.String("sessionID", session.ID), zap.String("callID", leg.ID()))
	a.mu.Unlock()
	a.metrics.SessionStarted()

	setupCtx, cancel := context.WithTimeout(ctx, a.cfg.SetupTimeout)
	defer cancel()

	if err := leg.Connect(setupCtx); err != nil {
		return a.failSetup("connect call leg", err)
	}
	participant, err := leg.WaitForParticipant(setupCtx)
	if err != nil {
		return a.failSetup("wait for participant", err)
	}
	if err := a.registry.AttachParticipant(session.ID, participant.ID); err != nil {
		return a.failSetup("attach participant", err)
	}

	frames, err := leg.SubscribeAudio()
	if err != nil {
		return a.failSetup("subscribe to call audio", err)
	}

	connCfg := a.cfg.Connector
	connCfg.URL = endpoint
	connCfg.SessionID = session.ID
	connCfg.Protocol = string(a.cfg.Protocol)
	conn := connector.New(connCfg, a.base)
	a.wire(conn)

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	if err := conn.Connect(setupCtx); err != nil {
		return a.failSetup("connect backend", err)
	}

	if !a.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		// The call was ended while the backend was dialing; end() may have run before conn was set.
		conn.Disconnect()
		a.log().Info("Call ended during setup", zap.String("state", a.State().String()))
		return nil
	}

	go a.forward(frames)

	a.log().Info("Call bridged",
		zap.String("participantID", participant.ID),
		zap.String("endpoint", endpoint),
		zap.String("legFormat", leg.Format().String()))
	return nil
}

// Stop ends the call from outside, e.g. when the caller hangs up. It is idempotent.
func (a *Adapter) Stop(reason string) {
	if a.state.CompareAndSwap(int32(StateIdle), int32(StateClosed)) {
		close(a.done)
		return
	}
	a.end(reason)
}

// SessionEnded tears the call down when its session was ended outside the adapter,
// for example by the expiry sweep. It is meant to be registered with Registry.OnSessionEnded
// and ignores sessions owned by other adapters.
func (a *Adapter) SessionEnded(session entities.Session) {
	if session.ID == "" || session.ID != a.SessionID() {
		return
	}
	a.end(session.EndReason)
}

// HandleInboundAudio normalizes one call-leg frame and sends it to the backend.
// While the backend is not connected the frame is dropped and counted as an error.
func (a *Adapter) HandleInboundAudio(frame repositories.AudioFrame) error {
	if a.State() != StateActive {
		return nil
	}

	a.mu.RLock()
	conn, leg, id := a.conn, a.leg, a.sessionID
	a.mu.RUnlock()

	format := frame.Format
	if format.SampleRate == 0 {
		format = leg.Format()
	}

	start := time.Now()
	pcm, err := a.pipeline.ToBackendFormat(frame.Data, format)
	if err != nil {
		a.recordError("audio_format", err)
		return err
	}
	conversion := time.Since(start)
	if len(pcm) == 0 {
		return nil
	}

	if err := conn.SendAudio(pcm); err != nil {
		kind := "send"
		if errors.Is(err, domain.ErrNotConnected) {
			kind = "not_connected"
		}
		a.recordError(kind, err)
		return err
	}

	_ = a.registry.RecordAudioChunk(id)
	_ = a.registry.RecordMessage(id)
	_ = a.registry.RecordLatency(id, time.Since(start))
	a.metrics.AudioChunk(metrics.DirectionInbound, conversion)
	a.metrics.Envelope(string(domain.MessageTypeAudio), metrics.DirectionOutbound)
	return nil
}

// SendText relays a text message from the call leg to the backend.
func (a *Adapter) SendText(text string) error {
	if a.State() != StateActive {
		return fmt.Errorf("send text: %w", domain.ErrNotConnected)
	}

	a.mu.RLock()
	conn, id := a.conn, a.sessionID
	a.mu.RUnlock()

	if err := conn.SendText(text); err != nil {
		a.recordError("send", err)
		return err
	}
	_ = a.registry.RecordMessage(id)
	a.metrics.Envelope(string(domain.MessageTypeText), metrics.DirectionOutbound)
	return nil
}

func (a *Adapter) forward(frames <-chan repositories.AudioFrame) {
	for {
		select {
		case <-a.done:
			return
		case frame, ok := <-frames:
			if !ok {
				a.Stop(entities.EndReasonHangup)
				return
			}
			if a.State() != StateActive {
				return
			}
			if err := a.HandleInboundAudio(frame); err != nil {
				a.log().Debug("Inbound audio dropped", zap.Error(err))
			}
		}
	}
}

func (a *Adapter) failSetup(step string, err error) error {
	a.log().Error("Call setup failed", zap.String("step", step), zap.Error(err))
	a.end(entities.EndReasonSetupFailed)
	return fmt.Errorf("%w: %s: %w", domain.ErrSetupFailed, step, err)
}

// end runs the Ending sequence once, from either Connecting or Active.
func (a *Adapter) end(reason string) bool {
	for {
		s := a.State()
		if s != StateConnecting && s != StateActive {
			return false
		}
		if a.state.CompareAndSwap(int32(s), int32(StateEnding)) {
			break
		}
	}

	a.mu.RLock()
	conn, leg, id, logger := a.conn, a.leg, a.sessionID, a.logger
	a.mu.RUnlock()

	if id != "" {
		a.metrics.SessionEnded(reason)
		if session, ok := a.registry.EndSession(id, reason); ok {
			logger.Info("Call ended",
				zap.String("reason", reason),
				zap.String("finalAgent", session.CurrentAgent),
				zap.Int("dataPoints", len(session.CollectedData)))
		} else {
			logger.Info("Call ended after its session was closed", zap.String("reason", reason))
		}
	}
	if conn != nil {
		conn.Disconnect()
	}
	if leg != nil {
		if err := leg.Close(); err != nil {
			logger.Debug("Call leg close failed", zap.Error(err))
		}
	}

	a.state.Store(int32(StateClosed))
	close(a.done)
	return true
}

func (a *Adapter) log() *zap.Logger {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.logger
}

func (a *Adapter) recordError(kind string, err error) {
	a.mu.RLock()
	id := a.sessionID
	a.mu.RUnlock()

	_ = a.registry.RecordError(id)
	a.metrics.Error(kind)
	a.log().Debug("Bridge error", zap.String("kind", kind), zap.Error(err))
}
