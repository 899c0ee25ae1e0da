package lms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/callbridge/domain/repositories"
)

func TestPush(t *testing.T) {
	var got repositories.Lead
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"leadId":"lead-42"}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{URL: srv.URL, APIKey: "k"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	result, err := client.Push(context.Background(), repositories.Lead{
		SessionID: "s-1",
		CallID:    "call-1",
		Agent:     "carDealer",
		Fields:    map[string]any{"full_name": "Asha Rao"},
		Source:    "voice_call",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "lead-42", result.LeadID)
	assert.Equal(t, "Bearer k", auth)
	assert.Equal(t, "Asha Rao", got.Fields["full_name"])
}

func TestPushFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantError string
	}{
		{name: "service failure", status: http.StatusOK, body: `{"success":false,"error":"duplicate lead"}`, wantError: "duplicate lead"},
		{name: "server error", status: http.StatusInternalServerError, body: `oops`, wantError: "status 500"},
		{name: "bad request with reason", status: http.StatusBadRequest, body: `{"success":false,"error":"missing phone"}`, wantError: "missing phone"},
		{name: "garbage body", status: http.StatusOK, body: `not json`, wantError: "decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client, err := NewClient(Config{URL: srv.URL}, nil)
			require.NoError(t, err)

			result, err := client.Push(context.Background(), repositories.Lead{SessionID: "s-1"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantError)
			assert.False(t, result.Success)
		})
	}
}

func TestPushTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	client, err := NewClient(Config{URL: srv.URL, Timeout: 20 * time.Millisecond}, nil)
	require.NoError(t, err)

	_, err = client.Push(context.Background(), repositories.Lead{SessionID: "s-1"})
	assert.Error(t, err)
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	assert.Error(t, err)
}
