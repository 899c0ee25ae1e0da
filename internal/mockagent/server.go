// Package mockagent is a scripted stand-in for the conversational backend.
// It answers every greeting with a fixed list of envelopes and can echo audio back.
package mockagent

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain"
)

// Script describes how the mock agent behaves on each connection
type Script struct {
	// OnGreeting is sent in order after each greeting is received.
	OnGreeting []domain.Envelope
	// StepDelay is waited before each scripted envelope.
	StepDelay time.Duration
	// EchoAudio sends every received audio envelope straight back.
	EchoAudio bool
}

type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) send(env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Server is an http.Handler speaking the backend envelope protocol
type Server struct {
	script   Script
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu       sync.Mutex
	peers    map[*peer]struct{}
	received []domain.Envelope

	unavailable atomic.Bool
	accepted    atomic.Int32
}

// New creates a mock agent running script
func New(script Script, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		script: script,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With(zap.String("component", "mock_agent")),
		peers:  make(map[*peer]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the script on the connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.unavailable.Load() {
		http.Error(w, "agent unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}
	s.accepted.Add(1)

	p := &peer{conn: conn}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := domain.ParseEnvelope(data)
		if err != nil {
			s.logger.Warn("Invalid envelope from bridge", zap.Error(err))
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, env)
		s.mu.Unlock()

		switch env.Type {
		case domain.MessageTypeGreeting:
			go s.runScript(p, env.SessionID)
		case domain.MessageTypeAudio:
			if s.script.EchoAudio {
				env.Timestamp = time.Now().UnixMilli()
				if err := p.send(env); err != nil {
					s.logger.Debug("Echo failed", zap.Error(err))
				}
			}
		}
	}
}

func (s *Server) runScript(p *peer, sessionID string) {
	for _, env := range s.script.OnGreeting {
		if s.script.StepDelay > 0 {
			time.Sleep(s.script.StepDelay)
		}
		env.SessionID = sessionID
		env.Timestamp = time.Now().UnixMilli()
		if err := p.send(env); err != nil {
			s.logger.Debug("Script step failed", zap.String("type", string(env.Type)), zap.Error(err))
			return
		}
	}
}

// Received returns every valid envelope received so far
func (s *Server) Received() []domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Envelope, len(s.received))
	copy(out, s.received)
	return out
}

// ReceivedOfType filters Received by type
func (s *Server) ReceivedOfType(t domain.MessageType) []domain.Envelope {
	var out []domain.Envelope
	for _, env := range s.Received() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// Broadcast sends env to every open connection
func (s *Server) Broadcast(env domain.Envelope) error {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.send(env); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every open connection without a close handshake.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.peers {
		p.conn.Close()
	}
}

// SetAvailable makes new connection attempts fail with 503 while false.
func (s *Server) SetAvailable(available bool) {
	s.unavailable.Store(!available)
}

// Connections is the number of open connections
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Accepted is the number of connections accepted since start
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}
