package callleg

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/satriahrh/callbridge/domain"
)

// Event names the kind of a media-stream message
type Event string

// Events exchanged with the phone side
const (
	EventStart Event = "start"
	EventMedia Event = "media"
	EventText  Event = "text"
	EventStop  Event = "stop"
	EventError Event = "error"
)

// Message is the JSON frame of the call-leg media stream. Inbound frames use
// start/media/text/stop, outbound frames use media/error.
type Message struct {
	Event         Event  `json:"event"`
	CallID        string `json:"callId,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
	Format        string `json:"format,omitempty"`
	SampleRate    int    `json:"sampleRate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	Payload       string `json:"payload,omitempty"` // base64 encoded audio
	Text          string `json:"text,omitempty"`
	Message       string `json:"message,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
}

// ParseMessage decodes one text frame
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("invalid JSON: %w", err)
	}
	switch msg.Event {
	case EventStart, EventText, EventStop:
	case EventMedia:
		if msg.Payload == "" {
			return Message{}, fmt.Errorf("media event without payload")
		}
	case "":
		return Message{}, fmt.Errorf("event field is required")
	default:
		return Message{}, fmt.Errorf("unknown event %q", msg.Event)
	}
	return msg, nil
}

// AudioFormat resolves the format announced by a start event. A start event
// without any format fields means 8 kHz mu-law.
func (m Message) AudioFormat() (domain.AudioFormat, error) {
	if m.Format == "" && m.SampleRate == 0 && m.Channels == 0 {
		return domain.TelephonyFormat, nil
	}

	f, err := domain.ParseFormatName(m.Format)
	if err != nil {
		return domain.AudioFormat{}, err
	}
	f.SampleRate = m.SampleRate
	if f.SampleRate == 0 {
		f.SampleRate = domain.CanonicalFormat.SampleRate
		if f.Encoding == domain.EncodingMulaw {
			f.SampleRate = domain.TelephonyFormat.SampleRate
		}
	}
	f.Channels = m.Channels
	if f.Channels == 0 {
		f.Channels = 1
	}

	if f.SampleRate < 8000 || f.SampleRate > 48000 {
		return domain.AudioFormat{}, fmt.Errorf("sampleRate %d out of range", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 8 {
		return domain.AudioFormat{}, fmt.Errorf("channels %d out of range", f.Channels)
	}
	return f, nil
}

// Audio decodes the media payload
func (m Message) Audio() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Payload)
}

func newMediaMessage(callID string, data []byte) Message {
	return Message{
		Event:     EventMedia,
		CallID:    callID,
		Payload:   base64.StdEncoding.EncodeToString(data),
		Timestamp: time.Now().UnixMilli(),
	}
}

func newErrorMessage(callID, text string) Message {
	return Message{
		Event:     EventError,
		CallID:    callID,
		Message:   text,
		Timestamp: time.Now().UnixMilli(),
	}
}
