package repositories

import "context"

// Lead is the data a finished session hands to the lead-management service
type Lead struct {
	SessionID string         `json:"sessionId"`
	CallID    string         `json:"callId"`
	Agent     string         `json:"agent"`
	Fields    map[string]any `json:"fields"`
	Source    string         `json:"source"`
}

// LeadResult mirrors the service's {success, leadId|error} response
type LeadResult struct {
	Success bool   `json:"success"`
	LeadID  string `json:"leadId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// LeadPusher pushes collected leads to an external service
type LeadPusher interface {
	Push(ctx context.Context, lead Lead) (LeadResult, error)
}
