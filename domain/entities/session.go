package entities

import (
	"errors"
	"time"
)

// ProtocolKind is the kind of call leg a session was opened for
type ProtocolKind string

const (
	ProtocolTelephony ProtocolKind = "telephony"
	ProtocolWebRTC    ProtocolKind = "webrtc"
	ProtocolChat      ProtocolKind = "chat"
)

// Valid reports whether p is one of the supported protocol kinds.
func (p ProtocolKind) Valid() bool {
	switch p {
	case ProtocolTelephony, ProtocolWebRTC, ProtocolChat:
		return true
	}
	return false
}

// Session end reasons recorded by the bridge itself
const (
	EndReasonCompleted      = "completed"
	EndReasonExpired        = "expired"
	EndReasonSetupFailed    = "setup failed"
	EndReasonConnectionLost = "connection lost"
	EndReasonHangup         = "hangup"
	EndReasonShutdown       = "shutdown"
)

// DataPoint is one structured fact captured during a session
type DataPoint struct {
	Type      string         `json:"type" bson:"type"`
	Value     any            `json:"value" bson:"value"`
	Agent     string         `json:"agent" bson:"agent"`
	Timestamp time.Time      `json:"timestamp" bson:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// HandoffEvent records the backend moving the conversation to another agent
type HandoffEvent struct {
	From      string         `json:"from" bson:"from"`
	To        string         `json:"to" bson:"to"`
	Reason    string         `json:"reason" bson:"reason"`
	Timestamp time.Time      `json:"timestamp" bson:"timestamp"`
	Context   map[string]any `json:"context,omitempty" bson:"context,omitempty"`
}

// Stats holds per-session counters. All counters only grow.
type Stats struct {
	AudioChunksProcessed int64         `json:"audioChunksProcessed" bson:"audio_chunks_processed"`
	MessagesExchanged    int64         `json:"messagesExchanged" bson:"messages_exchanged"`
	AgentHandoffs        int64         `json:"agentHandoffs" bson:"agent_handoffs"`
	DataPointsCollected  int64         `json:"dataPointsCollected" bson:"data_points_collected"`
	Errors               int64         `json:"errors" bson:"errors"`
	AverageLatency       time.Duration `json:"averageLatency" bson:"average_latency"`
	LatencySamples       int64         `json:"latencySamples" bson:"latency_samples"`
}

// ObserveLatency folds one sample into the running average.
func (s *Stats) ObserveLatency(d time.Duration) {
	s.LatencySamples++
	s.AverageLatency += (d - s.AverageLatency) / time.Duration(s.LatencySamples)
}

// Session represents one bridged call between a call leg and the backend agent
type Session struct {
	ID            string         `json:"id" bson:"_id"`
	CallID        string         `json:"callId" bson:"call_id"`
	ParticipantID string         `json:"participantId" bson:"participant_id"`
	Protocol      ProtocolKind   `json:"protocol" bson:"protocol"`
	StartTime     time.Time      `json:"startTime" bson:"start_time"`
	EndTime       *time.Time     `json:"endTime,omitempty" bson:"end_time,omitempty"`
	EndReason     string         `json:"endReason,omitempty" bson:"end_reason,omitempty"`
	CurrentAgent  string         `json:"currentAgent" bson:"current_agent"`
	CollectedData []DataPoint    `json:"collectedData" bson:"collected_data"`
	Handoffs      []HandoffEvent `json:"handoffs" bson:"handoffs"`
	Stats         Stats          `json:"stats" bson:"stats"`
	Config        map[string]any `json:"config,omitempty" bson:"config,omitempty"`
}

// NewSession creates a live session for a call
func NewSession(id, callID, participantID string, protocol ProtocolKind, initialAgent string, config map[string]any) *Session {
	return &Session{
		ID:            id,
		CallID:        callID,
		ParticipantID: participantID,
		Protocol:      protocol,
		StartTime:     time.Now(),
		CurrentAgent:  initialAgent,
		CollectedData: make([]DataPoint, 0),
		Handoffs:      make([]HandoffEvent, 0),
		Config:        config,
	}
}

// IsActive reports whether the session has not been ended yet
func (s *Session) IsActive() bool {
	return s.EndTime == nil
}

// Duration returns how long the session ran, or has been running so far.
func (s *Session) Duration(now time.Time) time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return now.Sub(s.StartTime)
}

// AddDataPoint appends a data point and keeps the counter in step with the slice.
func (s *Session) AddDataPoint(p DataPoint) {
	s.CollectedData = append(s.CollectedData, p)
	s.Stats.DataPointsCollected = int64(len(s.CollectedData))
}

// ApplyHandoff switches the current agent and records the event.
func (s *Session) ApplyHandoff(h HandoffEvent) {
	s.CurrentAgent = h.To
	s.Handoffs = append(s.Handoffs, h)
	s.Stats.AgentHandoffs++
}

// End stamps the end time. It reports false if the session was already ended.
func (s *Session) End(at time.Time, reason string) bool {
	if s.EndTime != nil {
		return false
	}
	s.EndTime = &at
	s.EndReason = reason
	return true
}

// Clone returns a deep copy safe to hand out of the registry.
func (s *Session) Clone() Session {
	c := *s
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	c.CollectedData = make([]DataPoint, len(s.CollectedData))
	for i, p := range s.CollectedData {
		p.Metadata = cloneMap(p.Metadata)
		c.CollectedData[i] = p
	}
	c.Handoffs = make([]HandoffEvent, len(s.Handoffs))
	for i, h := range s.Handoffs {
		h.Context = cloneMap(h.Context)
		c.Handoffs[i] = h
	}
	c.Config = cloneMap(s.Config)
	return c
}

// Validate validates the session data
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.CallID == "" {
		return errors.New("call_id is required")
	}
	if !s.Protocol.Valid() {
		return errors.New("invalid protocol kind")
	}
	if s.Stats.DataPointsCollected != int64(len(s.CollectedData)) {
		return errors.New("data point counter out of step with collected data")
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
