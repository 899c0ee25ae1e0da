package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/callbridge/domain"
)

// agentServer is a minimal backend that records what it receives.
type agentServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn

	requests atomic.Int32
	reject   atomic.Bool
	received chan domain.Envelope
}

func newAgentServer(t *testing.T) *agentServer {
	s := &agentServer{received: make(chan domain.Envelope, 256)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(func() {
		s.dropAll()
		s.srv.Close()
	})
	return s
}

func (s *agentServer) handle(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	if s.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env domain.Envelope
		if json.Unmarshal(data, &env) == nil {
			s.received <- env
		}
	}
}

func (s *agentServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *agentServer) latest(t *testing.T) *websocket.Conn {
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.conns) == 0 {
			return false
		}
		conn = s.conns[len(s.conns)-1]
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func (s *agentServer) send(t *testing.T, frame string) {
	require.NoError(t, s.latest(t).WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (s *agentServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *agentServer) next(t *testing.T) domain.Envelope {
	select {
	case env := <-s.received:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return domain.Envelope{}
	}
}

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.SessionID = "session-1"
	cfg.Protocol = "telephony"
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	cfg.ConnectTimeout = time.Second
	return cfg
}

func TestConnectSendsGreeting(t *testing.T) {
	server := newAgentServer(t)
	c := New(testConfig(server.url()), nil)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	env := server.next(t)
	assert.Equal(t, domain.MessageTypeGreeting, env.Type)
	assert.Equal(t, "session-1", env.SessionID)

	var greeting domain.GreetingPayload
	require.NoError(t, env.Decode(&greeting))
	assert.Equal(t, GreetingAction, greeting.Action)
	assert.Equal(t, "telephony", greeting.Protocol)
	assert.Equal(t, "callbridge", greeting.Source)

	err := c.Connect(context.Background())
	assert.Error(t, err, "connect is only valid from disconnected")
}

func TestConnectFailure(t *testing.T) {
	server := newAgentServer(t)
	server.reject.Store(true)

	c := New(testConfig(server.url()), nil)
	err := c.Connect(context.Background())

	var connErr *domain.ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, server.url(), connErr.URL)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestSendWhileDisconnected(t *testing.T) {
	server := newAgentServer(t)
	c := New(testConfig(server.url()), nil)

	err := c.SendAudio(make([]byte, 320))
	assert.True(t, errors.Is(err, domain.ErrNotConnected))
	assert.True(t, IsNotConnected(c.SendText("hello")))
	assert.Zero(t, c.Stats().Sent)
	assert.Zero(t, server.requests.Load())
}

func TestSendAudioEnvelope(t *testing.T) {
	server := newAgentServer(t)
	c := New(testConfig(server.url()), nil)
	defer c.Disconnect()
	require.NoError(t, c.Connect(context.Background()))
	server.next(t) // greeting

	require.NoError(t, c.SendAudio([]byte{1, 0, 2, 0}))

	env := server.next(t)
	require.Equal(t, domain.MessageTypeAudio, env.Type)
	var audio domain.AudioPayload
	require.NoError(t, env.Decode(&audio))
	pcm, err := audio.PCM()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 2, 0}, pcm)
	assert.Equal(t, 16000, audio.SampleRate)
	assert.Equal(t, "linear16", audio.Format)
	assert.Equal(t, int64(2), c.Stats().Sent)
}

func TestDispatchInReceiptOrder(t *testing.T) {
	server := newAgentServer(t)
	c := New(testConfig(server.url()), nil)
	defer c.Disconnect()

	var mu sync.Mutex
	var got []domain.MessageType
	record := func(env domain.Envelope) {
		mu.Lock()
		got = append(got, env.Type)
		mu.Unlock()
	}
	c.Handle(domain.MessageTypeDataCollection, record)
	c.Handle(domain.MessageTypeHandoff, record)
	c.Handle(domain.MessageTypeSessionEnd, record)

	var errs atomic.Int32
	c.SetErrorHandler(func(err error) {
		var pe *domain.ProtocolError
		if errors.As(err, &pe) {
			errs.Add(1)
		}
	})

	require.NoError(t, c.Connect(context.Background()))
	server.send(t, `{"type":"data_collection","payload":{"type":"full_name","value":"Asha Rao","agent":"spotlight"},"timestamp":1}`)
	server.send(t, `not json`)
	server.send(t, `{"type":"telemetry","payload":{},"timestamp":2}`)
	server.send(t, `{"type":"handoff","payload":{"from":"spotlight"},"timestamp":3}`)
	server.send(t, `{"type":"handoff","payload":{"from":"spotlight","to":"carDealer"},"timestamp":4}`)
	server.send(t, `{"type":"session_end","payload":{},"timestamp":5}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []domain.MessageType{
		domain.MessageTypeDataCollection,
		domain.MessageTypeHandoff,
		domain.MessageTypeSessionEnd,
	}, got)
	mu.Unlock()

	assert.Equal(t, int32(2), errs.Load(), "bad JSON and handoff without target")
	assert.Equal(t, StateConnected, c.State(), "protocol errors keep the connection")
	stats := c.Stats()
	assert.Equal(t, int64(6), stats.Received)
	assert.Equal(t, int64(2), stats.ProtocolErrors)
}

func TestReconnectAfterDrop(t *testing.T) {
	server := newAgentServer(t)
	c := New(testConfig(server.url()), nil)
	defer c.Disconnect()

	var states []State
	var mu sync.Mutex
	c.SetStateChangeHandler(func(_, newState State) {
		mu.Lock()
		states = append(states, newState)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, domain.MessageTypeGreeting, server.next(t).Type)

	server.dropAll()

	assert.Equal(t, domain.MessageTypeGreeting, server.next(t).Type, "greeting is re-sent after reconnect")
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Reconnects)
	assert.Zero(t, stats.Attempt)

	mu.Lock()
	assert.Contains(t, states, StateReconnecting)
	mu.Unlock()

	require.NoError(t, c.SendText("still here"))
	assert.Equal(t, domain.MessageTypeText, server.next(t).Type)
}

func TestReconnectExhaustion(t *testing.T) {
	server := newAgentServer(t)
	cfg := testConfig(server.url())
	cfg.MaxReconnectAttempts = 3
	c := New(cfg, nil)
	defer c.Disconnect()

	var exhausted atomic.Int32
	c.SetExhaustedHandler(func() { exhausted.Add(1) })

	var connErrs atomic.Int32
	c.SetErrorHandler(func(err error) {
		var ce *domain.ConnectionError
		if errors.As(err, &ce) {
			connErrs.Add(1)
		}
	})

	require.NoError(t, c.Connect(context.Background()))
	server.next(t)
	server.reject.Store(true)
	server.dropAll()

	require.Eventually(t, func() bool { return c.State() == StateExhausted }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "disconnected(exhausted)", c.State().String())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), exhausted.Load())
	assert.Equal(t, int32(3), connErrs.Load())
	assert.Equal(t, int32(1+3), server.requests.Load(), "one initial dial plus three retries")
	assert.True(t, IsNotConnected(c.SendAudio([]byte{0, 0})))
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	server := newAgentServer(t)
	cfg := testConfig(server.url())
	cfg.ReconnectBaseDelay = 200 * time.Millisecond
	c := New(cfg, nil)

	var exhausted atomic.Int32
	c.SetExhaustedHandler(func() { exhausted.Add(1) })

	require.NoError(t, c.Connect(context.Background()))
	server.next(t)
	server.dropAll()

	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, 2*time.Second, 5*time.Millisecond)
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), server.requests.Load(), "no dial after disconnect")
	assert.Equal(t, StateDisconnected, c.State())
	assert.Zero(t, exhausted.Load())
}

func TestHandlerMayDisconnect(t *testing.T) {
	server := newAgentServer(t)
	c := New(testConfig(server.url()), nil)

	ended := make(chan struct{})
	c.Handle(domain.MessageTypeSessionEnd, func(domain.Envelope) {
		c.Disconnect()
		close(ended)
	})

	require.NoError(t, c.Connect(context.Background()))
	server.send(t, `{"type":"session_end","timestamp":1}`)

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("session_end handler did not run")
	}
	assert.Equal(t, StateDisconnected, c.State())
	assert.Zero(t, c.Stats().Reconnects)
}

func TestLinearBackOff(t *testing.T) {
	b := NewLinearBackOff(time.Second, 5)

	for k := 1; k <= 5; k++ {
		assert.Equal(t, time.Duration(k)*time.Second, b.NextBackOff())
		assert.Equal(t, k, b.Attempt())
	}
	assert.Equal(t, time.Duration(-1), b.NextBackOff())

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}
