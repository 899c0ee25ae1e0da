package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/metrics"
)

// SinkConfig wires the optional destinations for ended sessions
type SinkConfig struct {
	// Archive stores every ended session. Nil disables archiving.
	Archive repositories.SessionArchive
	// Leads receives sessions that collected data. Nil disables lead push.
	Leads repositories.LeadPusher
	// LeadSource is copied into every pushed lead.
	LeadSource string
	// Timeout bounds each write.
	Timeout time.Duration
}

// EndedSessionSink hands ended sessions to the archive and the lead service
// without blocking the registry caller.
type EndedSessionSink struct {
	cfg     SinkConfig
	metrics *metrics.Collector
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewEndedSessionSink creates a sink. Register Handle with Registry.OnSessionEnded.
func NewEndedSessionSink(cfg SinkConfig, collector *metrics.Collector, logger *zap.Logger) *EndedSessionSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &EndedSessionSink{
		cfg:     cfg,
		metrics: collector,
		logger:  logger.With(zap.String("component", "session_sink")),
	}
}

// Handle starts the writes for one ended session
func (s *EndedSessionSink) Handle(session entities.Session) {
	if s.cfg.Archive != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.archive(session)
		}()
	}

	if s.cfg.Leads != nil {
		lead, ok := LeadFromSession(session, s.cfg.LeadSource)
		if !ok {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pushLead(lead)
		}()
	}
}

// Wait blocks until in-flight writes finish or ctx is done
func (s *EndedSessionSink) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session writes: %w", ctx.Err())
	}
}

func (s *EndedSessionSink) archive(session entities.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	err := s.cfg.Archive.Save(ctx, session)
	s.metrics.ArchiveWrite(err)
	if err != nil {
		s.logger.Error("Failed to archive session", zap.String("sessionID", session.ID), zap.Error(err))
		return
	}
	s.logger.Debug("Session archived", zap.String("sessionID", session.ID))
}

func (s *EndedSessionSink) pushLead(lead repositories.Lead) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	result, err := s.cfg.Leads.Push(ctx, lead)
	s.metrics.LeadPush(err)
	if err != nil {
		s.logger.Warn("Lead not accepted",
			zap.String("sessionID", lead.SessionID),
			zap.String("result", result.Error),
			zap.Error(err))
		return
	}
	s.logger.Info("Lead accepted", zap.String("sessionID", lead.SessionID), zap.String("leadID", result.LeadID))
}

// LeadFromSession flattens collected data by type, the latest value of a type winning.
// It reports false when the session collected nothing.
func LeadFromSession(session entities.Session, source string) (repositories.Lead, bool) {
	if len(session.CollectedData) == 0 {
		return repositories.Lead{}, false
	}

	fields := make(map[string]any, len(session.CollectedData))
	for _, point := range session.CollectedData {
		fields[point.Type] = point.Value
	}
	return repositories.Lead{
		SessionID: session.ID,
		CallID:    session.CallID,
		Agent:     session.CurrentAgent,
		Fields:    fields,
		Source:    source,
	}, true
}
