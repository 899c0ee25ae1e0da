package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// CleanupService periodically ends sessions that outlived their maximum age
type CleanupService struct {
	registry *Registry
	interval time.Duration
	maxAge   time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewCleanupService creates a new session cleanup service
func NewCleanupService(registry *Registry, interval, maxAge time.Duration, logger *zap.Logger) *CleanupService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanupService{
		registry: registry,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger.With(zap.String("component", "session_cleanup")),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *CleanupService) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	go s.cleanupLoop()
	s.logger.Info("Session cleanup service started",
		zap.Duration("interval", s.interval),
		zap.Duration("maxAge", s.maxAge))
}

// Stop stops the loop and waits for an in-flight sweep to finish. Safe to call more than once.
func (s *CleanupService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.running.Load() {
			<-s.done
		}
		s.logger.Info("Session cleanup service stopped")
	})
}

func (s *CleanupService) cleanupLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

func (s *CleanupService) runCleanup() {
	count := s.registry.CleanupExpired(s.maxAge)
	s.logger.Debug("Session cleanup completed", zap.Int("expired", count))
}
