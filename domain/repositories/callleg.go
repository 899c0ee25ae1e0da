package repositories

import (
	"context"

	"github.com/satriahrh/callbridge/domain"
)

// Participant identifies the remote party on a call leg
type Participant struct {
	ID     string `json:"id"`
	CallID string `json:"callId"`
}

// AudioFrame is one chunk of inbound call-leg audio
type AudioFrame struct {
	Data   []byte
	Format domain.AudioFormat
}

// CallLeg abstracts the telephony/room provider side of a call
type CallLeg interface {
	// ID returns the provider call id
	ID() string
	// Connect joins the call leg
	Connect(ctx context.Context) error
	// WaitForParticipant blocks until the remote party is present
	WaitForParticipant(ctx context.Context) (Participant, error)
	// SubscribeAudio returns inbound audio; the channel closes when the leg ends
	SubscribeAudio() (<-chan AudioFrame, error)
	// PublishAudio pushes audio in Format() toward the caller
	PublishAudio(data []byte) error
	// Format is the audio format the leg sends and expects back
	Format() domain.AudioFormat
	// Close hangs up the leg
	Close() error
}
