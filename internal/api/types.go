package api

import (
	"time"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/internal/adapter"
	"github.com/satriahrh/callbridge/internal/audio"
	"github.com/satriahrh/callbridge/internal/registry"
)

// HealthResponse is the /health body
type HealthResponse struct {
	Status         string            `json:"status"`
	Service        string            `json:"service"`
	ActiveSessions int               `json:"activeSessions"`
	Checks         map[string]string `json:"checks,omitempty"`
}

// CallTokenRequest asks for a call-leg token
type CallTokenRequest struct {
	CallID string `json:"callId"`
}

// CallTokenResponse represents the response payload for a call-leg token
type CallTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	CallID    string    `json:"callId,omitempty"`
}

// SessionsResponse lists sessions
type SessionsResponse struct {
	Sessions []entities.Session `json:"sessions"`
	Count    int                `json:"count"`
}

// StatsResponse aggregates the bridge for dashboards
type StatsResponse struct {
	Sessions    registry.GlobalStats `json:"sessions"`
	Audio       audio.Stats          `json:"audio"`
	CallLegs    int                  `json:"callLegs"`
	ActiveCalls []adapter.Stats      `json:"activeCalls"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
