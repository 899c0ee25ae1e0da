package adapter

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain"
	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/internal/connector"
	"github.com/satriahrh/callbridge/internal/metrics"
)

func (a *Adapter) wire(conn *connector.Connector) {
	conn.Handle(domain.MessageTypeAudio, a.inbound(a.onAudio))
	conn.Handle(domain.MessageTypeText, a.inbound(a.onText))
	conn.Handle(domain.MessageTypeHandoff, a.inbound(a.onHandoff))
	conn.Handle(domain.MessageTypeDataCollection, a.inbound(a.onDataCollection))
	conn.Handle(domain.MessageTypeSessionEnd, a.inbound(a.onSessionEnd))
	conn.Handle(domain.MessageTypeGreeting, a.inbound(func(domain.Envelope) {}))

	conn.SetErrorHandler(func(err error) {
		kind := "connection"
		var pe *domain.ProtocolError
		if errors.As(err, &pe) {
			kind = "protocol"
		}
		a.recordError(kind, err)
	})
	conn.SetStateChangeHandler(func(oldState, newState connector.State) {
		a.log().Debug("Connector state changed",
			zap.String("from", oldState.String()),
			zap.String("to", newState.String()))
		if oldState == connector.StateReconnecting && newState == connector.StateConnected {
			a.metrics.Reconnect("success")
		}
	})
	conn.SetExhaustedHandler(func() {
		a.metrics.Reconnect("exhausted")
		a.Stop(entities.EndReasonConnectionLost)
	})
}

// inbound counts every envelope received while the call is live and drops the rest.
func (a *Adapter) inbound(h func(env domain.Envelope)) connector.Handler {
	return func(env domain.Envelope) {
		s := a.State()
		if s != StateConnecting && s != StateActive {
			return
		}
		_ = a.registry.RecordMessage(a.SessionID())
		a.metrics.Envelope(string(env.Type), metrics.DirectionInbound)
		h(env)
	}
}

func (a *Adapter) onAudio(env domain.Envelope) {
	var payload domain.AudioPayload
	if err := env.Decode(&payload); err != nil {
		a.recordError("protocol", err)
		return
	}
	pcm, err := payload.PCM()
	if err != nil {
		a.recordError("protocol", err)
		return
	}
	format, err := payload.AudioFormat()
	if err != nil {
		a.recordError("protocol", err)
		return
	}

	a.mu.RLock()
	leg := a.leg
	a.mu.RUnlock()

	start := time.Now()
	if !format.IsCanonical() {
		if pcm, err = a.pipeline.ToBackendFormat(pcm, format); err != nil {
			a.recordError("audio_format", err)
			return
		}
	}
	out, err := a.pipeline.ToCallLegFormat(pcm, leg.Format())
	if err != nil {
		a.recordError("audio_format", err)
		return
	}
	if len(out) == 0 {
		return
	}
	if err := leg.PublishAudio(out); err != nil {
		a.recordError("call_leg", err)
		return
	}
	a.metrics.AudioChunk(metrics.DirectionOutbound, time.Since(start))
}

func (a *Adapter) onText(env domain.Envelope) {
	var payload domain.TextPayload
	if err := env.Decode(&payload); err != nil {
		a.recordError("protocol", err)
		return
	}
	a.log().Debug("Backend text", zap.Int("length", len(payload.Text)))
}

func (a *Adapter) onHandoff(env domain.Envelope) {
	var payload domain.HandoffPayload
	if err := env.Decode(&payload); err != nil {
		a.recordError("protocol", err)
		return
	}

	event := entities.HandoffEvent{
		From:      payload.From,
		To:        payload.To,
		Reason:    payload.Reason,
		Timestamp: envelopeTime(env),
		Context:   payload.Context,
	}
	if err := a.registry.RecordHandoff(a.SessionID(), event); err != nil {
		return
	}
	a.metrics.Handoff(payload.To)
	a.log().Info("Agent handoff",
		zap.String("from", payload.From),
		zap.String("to", payload.To),
		zap.String("reason", payload.Reason))
}

func (a *Adapter) onDataCollection(env domain.Envelope) {
	var payload domain.DataCollectionPayload
	if err := env.Decode(&payload); err != nil {
		a.recordError("protocol", err)
		return
	}

	id := a.SessionID()
	agent := payload.Agent
	if agent == "" {
		if session, ok := a.registry.GetSession(id); ok {
			agent = session.CurrentAgent
		}
	}
	ts := payload.Timestamp.Time()
	if ts.IsZero() {
		ts = envelopeTime(env)
	}

	point := entities.DataPoint{
		Type:      payload.Type,
		Value:     payload.Value,
		Agent:     agent,
		Timestamp: ts,
		Metadata:  payload.Metadata,
	}
	if err := a.registry.AddDataPoint(id, point); err != nil {
		return
	}
	a.metrics.DataPoint(payload.Type)
	a.log().Info("Data collected", zap.String("type", payload.Type), zap.String("agent", agent))
}

func (a *Adapter) onSessionEnd(env domain.Envelope) {
	var payload domain.SessionEndPayload
	_ = env.Decode(&payload)
	a.log().Info("Backend ended session", zap.String("backendReason", payload.Reason))
	a.Stop(entities.EndReasonCompleted)
}

func envelopeTime(env domain.Envelope) time.Time {
	if env.Timestamp > 0 {
		return time.UnixMilli(env.Timestamp)
	}
	return time.Time{}
}
