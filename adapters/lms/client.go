// Package lms pushes collected leads to the lead-management service over HTTP.
package lms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/repositories"
)

const (
	defaultTimeout  = 5 * time.Second
	maxResponseSize = 64 * 1024
)

// Config holds configuration for the lead pusher
// Required fields:
// - URL: endpoint that accepts POSTed leads
// Optional fields:
// - APIKey: sent as a Bearer token
// - Timeout: per-request timeout (default: 5s)
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Client implements repositories.LeadPusher against an HTTP endpoint
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// Ensure Client implements the LeadPusher interface
var _ repositories.LeadPusher = (*Client)(nil)

// NewClient creates a new lead pusher
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("lms URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(zap.String("component", "lead_pusher")),
	}, nil
}

// Push sends one lead. A non-2xx response or a {success:false} body is reported
// in the result and as an error.
func (c *Client) Push(ctx context.Context, lead repositories.Lead) (repositories.LeadResult, error) {
	body, err := json.Marshal(lead)
	if err != nil {
		return repositories.LeadResult{}, fmt.Errorf("failed to marshal lead: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return repositories.LeadResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Lead push failed", zap.String("sessionID", lead.SessionID), zap.Error(err))
		return repositories.LeadResult{Error: err.Error()}, fmt.Errorf("failed to push lead: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return repositories.LeadResult{}, fmt.Errorf("failed to read response: %w", err)
	}

	var result repositories.LeadResult
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &result); err != nil && resp.StatusCode < 300 {
			return repositories.LeadResult{}, fmt.Errorf("failed to decode response: %w", err)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Success = false
		if result.Error == "" {
			result.Error = fmt.Sprintf("status %d", resp.StatusCode)
		}
		c.logger.Warn("Lead rejected",
			zap.String("sessionID", lead.SessionID),
			zap.Int("status", resp.StatusCode),
			zap.String("error", result.Error))
		return result, fmt.Errorf("lead push returned status %d: %s", resp.StatusCode, result.Error)
	}
	if !result.Success {
		if result.Error == "" {
			result.Error = "service reported failure"
		}
		return result, fmt.Errorf("lead push failed: %s", result.Error)
	}

	c.logger.Info("Lead pushed",
		zap.String("sessionID", lead.SessionID),
		zap.String("leadID", result.LeadID))
	return result, nil
}
