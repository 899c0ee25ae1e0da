// Package registry is the in-memory source of truth for live and recently ended call sessions.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain"
	"github.com/satriahrh/callbridge/domain/entities"
)

const (
	DefaultHistoryLimit = 100
	DefaultAgent        = "spotlight"
)

// Config holds registry settings. Zero values fall back to the defaults above.
type Config struct {
	DefaultAgent string
	HistoryLimit int
	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
}

// SessionDescriptor is what a call leg knows about a call when it starts
type SessionDescriptor struct {
	CallID        string
	ParticipantID string
	Protocol      entities.ProtocolKind
	Config        map[string]any
}

// GlobalStats aggregates the registry for dashboards
type GlobalStats struct {
	ActiveSessions  int           `json:"activeSessions"`
	TotalSessions   int           `json:"totalSessions"`
	AverageDuration time.Duration `json:"averageDuration"`
	TotalDataPoints int64         `json:"totalDataPoints"`
	TotalHandoffs   int64         `json:"totalHandoffs"`
}

// Registry tracks sessions by id. Everything it returns is a deep copy.
type Registry struct {
	mu        sync.RWMutex
	active    map[string]*entities.Session
	byCall    map[string]string
	history   []entities.Session
	listeners []func(entities.Session)

	defaultAgent string
	historyLimit int
	now          func() time.Time
	logger       *zap.Logger
}

// New creates a new session registry
func New(cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = DefaultAgent
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Registry{
		active:       make(map[string]*entities.Session),
		byCall:       make(map[string]string),
		history:      make([]entities.Session, 0, cfg.HistoryLimit),
		defaultAgent: cfg.DefaultAgent,
		historyLimit: cfg.HistoryLimit,
		now:          cfg.Clock,
		logger:       logger.With(zap.String("component", "session_registry")),
	}
}

// OnSessionEnded registers a listener called with a snapshot of every ended session.
// Listeners run after the registry lock is released, in registration order.
func (r *Registry) OnSessionEnded(fn func(entities.Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// CreateSession starts tracking a new call
func (r *Registry) CreateSession(desc SessionDescriptor) (entities.Session, error) {
	if desc.CallID == "" {
		return entities.Session{}, fmt.Errorf("create session: call id is required")
	}
	if desc.Protocol == "" {
		desc.Protocol = entities.ProtocolTelephony
	}
	if !desc.Protocol.Valid() {
		return entities.Session{}, fmt.Errorf("create session: unknown protocol %q", desc.Protocol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byCall[desc.CallID]; ok {
		return entities.Session{}, fmt.Errorf("call %s already has session %s: %w", desc.CallID, existing, domain.ErrDuplicateSession)
	}

	session := entities.NewSession(uuid.NewString(), desc.CallID, desc.ParticipantID, desc.Protocol, r.defaultAgent, desc.Config)
	session.StartTime = r.now()
	r.active[session.ID] = session
	r.byCall[session.CallID] = session.ID

	r.logger.Info("Session created",
		zap.String("sessionID", session.ID),
		zap.String("callID", session.CallID),
		zap.String("protocol", string(session.Protocol)))

	return session.Clone(), nil
}

// GetSession returns a snapshot of a live session
func (r *Registry) GetSession(id string) (entities.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.active[id]
	if !ok {
		return entities.Session{}, false
	}
	return s.Clone(), true
}

// FindSession looks in the live set first and then in history.
func (r *Registry) FindSession(id string) (entities.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.active[id]; ok {
		return s.Clone(), true
	}
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].ID == id {
			return r.history[i].Clone(), true
		}
	}
	return entities.Session{}, false
}

// AttachParticipant sets the participant id once it is known. It is set at most once.
func (r *Registry) AttachParticipant(id, participantID string) error {
	return r.update(id, "attach participant", func(s *entities.Session) {
		if s.ParticipantID == "" {
			s.ParticipantID = participantID
		}
	})
}

// AddDataPoint appends one collected fact to the session
func (r *Registry) AddDataPoint(id string, point entities.DataPoint) error {
	if point.Timestamp.IsZero() {
		point.Timestamp = r.now()
	}
	return r.update(id, "add data point", func(s *entities.Session) {
		s.AddDataPoint(point)
	})
}

// RecordHandoff moves the session to the receiving agent. Repeated handoffs to the same agent still count.
func (r *Registry) RecordHandoff(id string, event entities.HandoffEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	return r.update(id, "record handoff", func(s *entities.Session) {
		s.ApplyHandoff(event)
	})
}

func (r *Registry) RecordAudioChunk(id string) error {
	return r.update(id, "record audio chunk", func(s *entities.Session) {
		s.Stats.AudioChunksProcessed++
	})
}

func (r *Registry) RecordMessage(id string) error {
	return r.update(id, "record message", func(s *entities.Session) {
		s.Stats.MessagesExchanged++
	})
}

func (r *Registry) RecordError(id string) error {
	return r.update(id, "record error", func(s *entities.Session) {
		s.Stats.Errors++
	})
}

func (r *Registry) RecordLatency(id string, d time.Duration) error {
	return r.update(id, "record latency", func(s *entities.Session) {
		s.Stats.ObserveLatency(d)
	})
}

// EndSession ends a live session and moves it to history.
// It reports false if the session is unknown or already ended.
func (r *Registry) EndSession(id, reason string) (entities.Session, bool) {
	r.mu.Lock()
	snapshot, ok := r.endLocked(id, reason)
	listeners := r.listeners
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("End requested for unknown session", zap.String("sessionID", id), zap.String("reason", reason))
		return entities.Session{}, false
	}
	r.notify(listeners, snapshot)
	return snapshot, true
}

// CleanupExpired ends every live session that started more than maxAge ago
func (r *Registry) CleanupExpired(maxAge time.Duration) int {
	r.mu.Lock()
	cutoff := r.now().Add(-maxAge)
	var expired []string
	for id, s := range r.active {
		if s.StartTime.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	ended := make([]entities.Session, 0, len(expired))
	for _, id := range expired {
		if snapshot, ok := r.endLocked(id, entities.EndReasonExpired); ok {
			ended = append(ended, snapshot)
		}
	}
	listeners := r.listeners
	r.mu.Unlock()

	for _, s := range ended {
		r.notify(listeners, s)
	}
	if len(ended) > 0 {
		r.logger.Info("Expired sessions cleaned up", zap.Int("count", len(ended)), zap.Duration("maxAge", maxAge))
	}
	return len(ended)
}

// ActiveSessions returns snapshots of all live sessions ordered by start time
func (r *Registry) ActiveSessions() []entities.Session {
	r.mu.RLock()
	out := make([]entities.Session, 0, len(r.active))
	for _, s := range r.active {
		out = append(out, s.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// History returns ended sessions, oldest end first
func (r *Registry) History() []entities.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entities.Session, len(r.history))
	for i := range r.history {
		out[i] = r.history[i].Clone()
	}
	return out
}

// GlobalStats computes totals across live sessions and history
func (r *Registry) GlobalStats() GlobalStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := GlobalStats{
		ActiveSessions: len(r.active),
		TotalSessions:  len(r.active) + len(r.history),
	}
	var total time.Duration
	for i := range r.history {
		h := &r.history[i]
		total += h.Duration(r.now())
		stats.TotalDataPoints += int64(len(h.CollectedData))
		stats.TotalHandoffs += h.Stats.AgentHandoffs
	}
	if len(r.history) > 0 {
		stats.AverageDuration = total / time.Duration(len(r.history))
	}
	return stats
}

func (r *Registry) update(id, op string, fn func(s *entities.Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.active[id]
	if !ok {
		r.logger.Warn("Session not found", zap.String("sessionID", id), zap.String("operation", op))
		return fmt.Errorf("%s %s: %w", op, id, domain.ErrSessionNotFound)
	}
	fn(s)
	return nil
}

// endLocked must be called with r.mu held.
func (r *Registry) endLocked(id, reason string) (entities.Session, bool) {
	s, ok := r.active[id]
	if !ok || !s.End(r.now(), reason) {
		return entities.Session{}, false
	}
	delete(r.active, id)
	delete(r.byCall, s.CallID)

	r.history = append(r.history, *s)
	if over := len(r.history) - r.historyLimit; over > 0 {
		r.history = append(r.history[:0], r.history[over:]...)
	}

	r.logger.Info("Session ended",
		zap.String("sessionID", s.ID),
		zap.String("callID", s.CallID),
		zap.String("reason", reason),
		zap.Duration("duration", s.Duration(r.now())),
		zap.Int("dataPoints", len(s.CollectedData)))

	return s.Clone(), true
}

func (r *Registry) notify(listeners []func(entities.Session), s entities.Session) {
	for _, fn := range listeners {
		fn(s.Clone())
	}
}
