package domain

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageType defines the type of an envelope exchanged with the backend agent
type MessageType string

// Supported message types
const (
	MessageTypeAudio          MessageType = "audio"
	MessageTypeText           MessageType = "text"
	MessageTypeHandoff        MessageType = "handoff"
	MessageTypeDataCollection MessageType = "data_collection"
	MessageTypeSessionEnd     MessageType = "session_end"
	MessageTypeGreeting       MessageType = "greeting"
)

// IsKnown reports whether t is part of the backend protocol.
func (t MessageType) IsKnown() bool {
	switch t {
	case MessageTypeAudio, MessageTypeText, MessageTypeHandoff,
		MessageTypeDataCollection, MessageTypeSessionEnd, MessageTypeGreeting:
		return true
	}
	return false
}

// Envelope is the typed, timestamped wrapper for every backend message
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	SessionID string          `json:"sessionId,omitempty"`
}

// AudioPayload carries a base64 encoded PCM chunk
type AudioPayload struct {
	Data       string `json:"data"`
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// TextPayload carries a text message
type TextPayload struct {
	Text string `json:"text"`
}

// HandoffPayload transfers the conversation from one agent to another
type HandoffPayload struct {
	From    string         `json:"from"`
	To      string         `json:"to"`
	Reason  string         `json:"reason"`
	Context map[string]any `json:"context,omitempty"`
}

// DataCollectionPayload carries one structured fact captured by an agent
type DataCollectionPayload struct {
	Type      string         `json:"type"`
	Value     any            `json:"value"`
	Agent     string         `json:"agent"`
	Timestamp EventTime      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SessionEndPayload terminates the session
type SessionEndPayload struct {
	Reason string `json:"reason,omitempty"`
}

// GreetingPayload starts the backend conversational flow
type GreetingPayload struct {
	Action   string `json:"action"`
	Protocol string `json:"protocol"`
	Source   string `json:"source"`
}

// EventTime accepts unix milliseconds or an RFC 3339 string and encodes as milliseconds.
type EventTime time.Time

func (t EventTime) Time() time.Time {
	return time.Time(t)
}

func (t EventTime) MarshalJSON() ([]byte, error) {
	if time.Time(t).IsZero() {
		return []byte("0"), nil
	}
	return []byte(strconv.FormatInt(time.Time(t).UnixMilli(), 10)), nil
}

func (t *EventTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = EventTime{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*t = EventTime{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		*t = EventTime(parsed)
		return nil
	}
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	if ms == 0 {
		*t = EventTime{}
		return nil
	}
	*t = EventTime(time.UnixMilli(int64(ms)))
	return nil
}

// NewEnvelope marshals payload into a new envelope stamped with the current time.
func NewEnvelope(msgType MessageType, sessionID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Envelope{
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
		SessionID: sessionID,
	}, nil
}

// NewAudioEnvelope wraps a canonical PCM chunk.
func NewAudioEnvelope(sessionID string, pcm []byte) (Envelope, error) {
	return NewEnvelope(MessageTypeAudio, sessionID, AudioPayload{
		Data:       base64.StdEncoding.EncodeToString(pcm),
		Format:     FormatName(CanonicalFormat),
		SampleRate: CanonicalFormat.SampleRate,
		Channels:   CanonicalFormat.Channels,
	})
}

// Decode unmarshals the payload into v. A missing payload decodes as an empty object.
func (e Envelope) Decode(v any) error {
	raw := bytes.TrimSpace(e.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &ProtocolError{Type: e.Type, Reason: "invalid payload", Err: err}
	}
	return nil
}

// ParseEnvelope decodes one inbound frame and validates the payload of known types.
// Unknown types are returned without error so the caller can decide to drop them.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &ProtocolError{Reason: "invalid JSON format", Err: err}
	}
	if env.Type == "" {
		return Envelope{}, &ProtocolError{Reason: "message missing type field"}
	}

	var err error
	switch env.Type {
	case MessageTypeAudio:
		var p AudioPayload
		if err = env.Decode(&p); err == nil {
			err = validateAudio(p)
		}
	case MessageTypeHandoff:
		var p HandoffPayload
		if err = env.Decode(&p); err == nil && p.To == "" {
			err = fmt.Errorf("to is required")
		}
	case MessageTypeDataCollection:
		var p DataCollectionPayload
		if err = env.Decode(&p); err == nil && p.Type == "" {
			err = fmt.Errorf("type is required")
		}
	case MessageTypeText:
		var p TextPayload
		err = env.Decode(&p)
	case MessageTypeSessionEnd:
		var p SessionEndPayload
		err = env.Decode(&p)
	case MessageTypeGreeting:
		var p GreetingPayload
		err = env.Decode(&p)
	}
	if err != nil {
		if pe, ok := err.(*ProtocolError); ok {
			return Envelope{}, pe
		}
		return Envelope{}, &ProtocolError{Type: env.Type, Reason: "invalid payload", Err: err}
	}
	return env, nil
}

// validateAudio validates audio payload fields
func validateAudio(p AudioPayload) error {
	if p.Data == "" {
		return fmt.Errorf("data is required")
	}
	if _, err := base64.StdEncoding.DecodeString(p.Data); err != nil {
		return fmt.Errorf("data must be base64: %w", err)
	}
	if p.SampleRate != 0 && (p.SampleRate < 8000 || p.SampleRate > 48000) {
		return fmt.Errorf("sampleRate must be between 8000 and 48000")
	}
	if p.Channels < 0 {
		return fmt.Errorf("channels must not be negative")
	}
	if _, err := ParseFormatName(p.Format); err != nil {
		return err
	}
	return nil
}

// PCM decodes the audio bytes.
func (p AudioPayload) PCM() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.Data)
}

// AudioFormat resolves the payload description, defaulting missing fields to the canonical format.
func (p AudioPayload) AudioFormat() (AudioFormat, error) {
	f, err := ParseFormatName(p.Format)
	if err != nil {
		return AudioFormat{}, err
	}
	f.SampleRate = CanonicalFormat.SampleRate
	if p.SampleRate > 0 {
		f.SampleRate = p.SampleRate
	}
	f.Channels = CanonicalFormat.Channels
	if p.Channels > 0 {
		f.Channels = p.Channels
	}
	return f, nil
}

// FormatName renders the encoding and bit depth of f as used on the wire, e.g. "linear16".
func FormatName(f AudioFormat) string {
	f = f.Normalize()
	if f.Encoding == EncodingMulaw {
		return string(EncodingMulaw)
	}
	return fmt.Sprintf("%s%d", f.Encoding, f.BitDepth)
}

// ParseFormatName is the inverse of FormatName. An empty name means linear16.
func ParseFormatName(name string) (AudioFormat, error) {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "", "pcm", "pcm16", "linear16", "s16le":
		return AudioFormat{BitDepth: 16, Encoding: EncodingLinear}, nil
	case "mulaw", "ulaw", "pcmu", "audio/x-mulaw":
		return AudioFormat{BitDepth: 8, Encoding: EncodingMulaw}, nil
	default:
		bits := strings.TrimPrefix(strings.TrimPrefix(n, "linear"), "pcm")
		depth, err := strconv.Atoi(bits)
		if err != nil || bits == n {
			return AudioFormat{}, fmt.Errorf("unknown audio format %q", name)
		}
		return AudioFormat{BitDepth: depth, Encoding: EncodingLinear}, nil
	}
}
