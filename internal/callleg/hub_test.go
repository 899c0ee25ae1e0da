package callleg

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/callbridge/domain"
	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/internal/adapter"
	"github.com/satriahrh/callbridge/internal/connector"
	"github.com/satriahrh/callbridge/internal/mockagent"
	"github.com/satriahrh/callbridge/internal/registry"
)

type hubHarness struct {
	hub      *Hub
	registry *registry.Registry
	agent    *mockagent.Server
	url      string
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func newHubHarness(t *testing.T, script mockagent.Script, startTimeout time.Duration) *hubHarness {
	t.Helper()

	agent := mockagent.New(script, nil)
	agentSrv := httptest.NewServer(agent)
	t.Cleanup(agentSrv.Close)

	reg := registry.New(registry.Config{}, nil)
	connCfg := connector.DefaultConfig("")
	connCfg.ReconnectBaseDelay = 10 * time.Millisecond
	connCfg.MaxReconnectAttempts = 2

	hub := NewHub(HubConfig{
		BackendURL:   wsURL(agentSrv.URL),
		StartTimeout: startTimeout,
		Adapter:      adapter.Config{Connector: connCfg},
	}, reg, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	e := echo.New()
	e.GET("/ws", func(c echo.Context) error {
		return hub.HandleWebSocket(c, c.QueryParam("call_id"))
	})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { hub.StopAll(entities.EndReasonShutdown) })

	return &hubHarness{hub: hub, registry: reg, agent: agent, url: wsURL(srv.URL) + "/ws"}
}

func (h *hubHarness) dial(t *testing.T, callID string) *websocket.Conn {
	t.Helper()
	url := h.url
	if callID != "" {
		url += "?call_id=" + callID
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *hubHarness) waitActive(t *testing.T, callID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, call := range h.hub.ActiveCalls() {
			if call.CallID == callID && call.State == adapter.StateActive.String() {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *hubHarness) ended(callID string) (entities.Session, bool) {
	for _, s := range h.registry.History() {
		if s.CallID == callID {
			return s, true
		}
	}
	return entities.Session{}, false
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readUntil(t *testing.T, conn *websocket.Conn, event Event) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Event == event {
			return msg
		}
	}
}

// waitClosed reads until the server hangs up.
func waitClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("connection was not closed: %v", err)
		}
		return
	}
}

func TestHubBridgesCallBothWays(t *testing.T) {
	h := newHubHarness(t, mockagent.Script{EchoAudio: true}, time.Second)
	phone := h.dial(t, "")

	writeMessage(t, phone, Message{
		Event:         EventStart,
		CallID:        "call-1",
		ParticipantID: "asha",
		Format:        "mulaw",
		SampleRate:    8000,
	})
	h.waitActive(t, "call-1")

	active := h.registry.ActiveSessions()
	require.Len(t, active, 1)
	assert.Equal(t, "call-1", active[0].CallID)
	assert.Equal(t, "asha", active[0].ParticipantID)

	silence := bytes.Repeat([]byte{0xFF}, 160)
	writeMessage(t, phone, Message{Event: EventMedia, Payload: base64.StdEncoding.EncodeToString(silence)})

	media := readUntil(t, phone, EventMedia)
	assert.Equal(t, "call-1", media.CallID)
	out, err := media.Audio()
	require.NoError(t, err)
	assert.Equal(t, silence, out)

	writeMessage(t, phone, Message{Event: EventStop})
	waitClosed(t, phone)

	require.Eventually(t, func() bool {
		_, ok := h.ended("call-1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	session, _ := h.ended("call-1")
	assert.Equal(t, entities.EndReasonHangup, session.EndReason)
	assert.EqualValues(t, 1, session.Stats.AudioChunksProcessed)
	assert.Eventually(t, func() bool { return h.hub.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubBinaryFramesUseAnnouncedFormat(t *testing.T) {
	h := newHubHarness(t, mockagent.Script{}, time.Second)
	phone := h.dial(t, "")

	writeMessage(t, phone, Message{Event: EventStart, CallID: "call-bin", Format: "linear16", SampleRate: 16000})
	h.waitActive(t, "call-bin")

	require.NoError(t, phone.WriteMessage(websocket.BinaryMessage, make([]byte, 640)))

	require.Eventually(t, func() bool {
		return len(h.agent.ReceivedOfType(domain.MessageTypeAudio)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHubUsesTokenCallID(t *testing.T) {
	h := newHubHarness(t, mockagent.Script{}, time.Second)
	phone := h.dial(t, "call-token")

	writeMessage(t, phone, Message{Event: EventStart})
	h.waitActive(t, "call-token")

	active := h.registry.ActiveSessions()
	require.Len(t, active, 1)
	assert.Equal(t, "caller-call-token", active[0].ParticipantID)
}

func TestHubRejectsMismatchedCallID(t *testing.T) {
	h := newHubHarness(t, mockagent.Script{}, time.Second)
	phone := h.dial(t, "call-1")

	writeMessage(t, phone, Message{Event: EventStart, CallID: "call-2"})

	msg := readUntil(t, phone, EventError)
	assert.Equal(t, "call id does not match token", msg.Message)
	waitClosed(t, phone)
	assert.Empty(t, h.registry.ActiveSessions())
	assert.Zero(t, h.agent.Accepted())
}

func TestHubRejectsUnsupportedFormat(t *testing.T) {
	h := newHubHarness(t, mockagent.Script{}, time.Second)
	phone := h.dial(t, "")

	writeMessage(t, phone, Message{Event: EventStart, CallID: "call-1", Format: "opus"})

	msg := readUntil(t, phone, EventError)
	assert.Contains(t, msg.Message, "opus")
	waitClosed(t, phone)
}

func TestHubStartTimeout(t *testing.T) {
	h := newHubHarness(t, mockagent.Script{}, 50*time.Millisecond)
	phone := h.dial(t, "")

	msg := readUntil(t, phone, EventError)
	assert.Equal(t, "no start event", msg.Message)
	waitClosed(t, phone)
	assert.Zero(t, h.registry.GlobalStats().TotalSessions)
}

func TestHubCallerDisconnectEndsCall(t *testing.T) {
	h := newHubHarness(t, mockagent.Script{}, time.Second)
	phone := h.dial(t, "")

	writeMessage(t, phone, Message{Event: EventStart, CallID: "call-1"})
	h.waitActive(t, "call-1")

	require.NoError(t, phone.Close())

	require.Eventually(t, func() bool {
		s, ok := h.ended("call-1")
		return ok && s.EndReason == entities.EndReasonHangup
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return h.agent.Connections() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHubBackendSessionEndHangsUp(t *testing.T) {
	h := newHubHarness(t, mockagent.Script{
		OnGreeting: []domain.Envelope{
			mockagent.DataCollection("full_name", "Asha Rao", "spotlight"),
			mockagent.SessionEnd("done"),
		},
	}, time.Second)
	phone := h.dial(t, "")

	writeMessage(t, phone, Message{Event: EventStart, CallID: "call-1"})
	waitClosed(t, phone)

	require.Eventually(t, func() bool {
		_, ok := h.ended("call-1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	s, _ := h.ended("call-1")
	assert.Equal(t, entities.EndReasonCompleted, s.EndReason)
	require.Len(t, s.CollectedData, 1)
	assert.Equal(t, "Asha Rao", s.CollectedData[0].Value)
}

func TestHubStopAll(t *testing.T) {
	h := newHubHarness(t, mockagent.Script{}, time.Second)
	first := h.dial(t, "")
	second := h.dial(t, "")

	writeMessage(t, first, Message{Event: EventStart, CallID: "call-1"})
	writeMessage(t, second, Message{Event: EventStart, CallID: "call-2"})
	h.waitActive(t, "call-1")
	h.waitActive(t, "call-2")
	assert.Len(t, h.hub.ActiveCalls(), 2)

	h.hub.StopAll(entities.EndReasonShutdown)

	waitClosed(t, first)
	waitClosed(t, second)
	for _, id := range []string{"call-1", "call-2"} {
		s, ok := h.ended(id)
		require.True(t, ok, id)
		assert.Equal(t, entities.EndReasonShutdown, s.EndReason)
	}
	assert.Empty(t, h.registry.ActiveSessions())
}

func TestHubExpirySweepHangsUp(t *testing.T) {
	h := newHubHarness(t, mockagent.Script{}, time.Second)
	phone := h.dial(t, "")

	writeMessage(t, phone, Message{Event: EventStart, CallID: "call-1"})
	h.waitActive(t, "call-1")

	time.Sleep(5 * time.Millisecond)
	require.Equal(t, 1, h.registry.CleanupExpired(time.Millisecond))

	waitClosed(t, phone)
	s, ok := h.ended("call-1")
	require.True(t, ok)
	assert.Equal(t, entities.EndReasonExpired, s.EndReason)
	assert.Eventually(t, func() bool { return h.agent.Connections() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return h.hub.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}
