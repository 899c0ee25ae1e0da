package entities

import (
	"testing"
	"time"
)

func TestSessionCreation(t *testing.T) {
	session := NewSession("s-1", "call-123", "participant-9", ProtocolTelephony, "spotlight", nil)

	if session.CallID != "call-123" {
		t.Errorf("Expected call ID call-123, got %s", session.CallID)
	}

	if session.CurrentAgent != "spotlight" {
		t.Errorf("Expected current agent spotlight, got %s", session.CurrentAgent)
	}

	if !session.IsActive() {
		t.Error("New session should be active")
	}

	if len(session.CollectedData) != 0 {
		t.Errorf("Expected empty collected data, got %d points", len(session.CollectedData))
	}
}

func TestAddDataPoint(t *testing.T) {
	session := NewSession("s-1", "call-1", "", ProtocolWebRTC, "spotlight", nil)

	session.AddDataPoint(DataPoint{Type: "full_name", Value: "Asha Rao", Agent: "spotlight"})
	session.AddDataPoint(DataPoint{Type: "phone", Value: "555-0100", Agent: "spotlight"})

	if len(session.CollectedData) != 2 {
		t.Fatalf("Expected 2 data points, got %d", len(session.CollectedData))
	}

	if session.Stats.DataPointsCollected != 2 {
		t.Errorf("Expected counter 2, got %d", session.Stats.DataPointsCollected)
	}

	if session.CollectedData[0].Type != "full_name" || session.CollectedData[1].Type != "phone" {
		t.Error("Data points should keep insertion order")
	}
}

func TestApplyHandoff(t *testing.T) {
	session := NewSession("s-1", "call-1", "", ProtocolChat, "spotlight", nil)

	session.ApplyHandoff(HandoffEvent{From: "spotlight", To: "carDealer"})
	session.ApplyHandoff(HandoffEvent{From: "carDealer", To: "carDealer"})

	if session.CurrentAgent != "carDealer" {
		t.Errorf("Expected current agent carDealer, got %s", session.CurrentAgent)
	}

	if session.Stats.AgentHandoffs != 2 {
		t.Errorf("Expected 2 handoffs counted, got %d", session.Stats.AgentHandoffs)
	}
}

func TestEndIsSetOnce(t *testing.T) {
	session := NewSession("s-1", "call-1", "", ProtocolTelephony, "spotlight", nil)
	first := session.StartTime.Add(time.Minute)

	if !session.End(first, EndReasonCompleted) {
		t.Fatal("First End should succeed")
	}

	if session.End(first.Add(time.Hour), EndReasonExpired) {
		t.Error("Second End should be rejected")
	}

	if !session.EndTime.Equal(first) || session.EndReason != EndReasonCompleted {
		t.Error("End time and reason should not change after the first End")
	}

	if session.Duration(time.Now()) != time.Minute {
		t.Errorf("Expected duration 1m, got %s", session.Duration(time.Now()))
	}
}

func TestCloneIsDeep(t *testing.T) {
	session := NewSession("s-1", "call-1", "", ProtocolTelephony, "spotlight", map[string]any{"lang": "en"})
	session.AddDataPoint(DataPoint{Type: "email", Value: "a@b.c", Metadata: map[string]any{"confidence": 0.9}})

	clone := session.Clone()
	clone.CollectedData[0].Metadata["confidence"] = 0.1
	clone.Config["lang"] = "id"
	clone.CollectedData = append(clone.CollectedData, DataPoint{Type: "extra"})

	if session.CollectedData[0].Metadata["confidence"] != 0.9 {
		t.Error("Clone must not share data point metadata")
	}

	if session.Config["lang"] != "en" {
		t.Error("Clone must not share config")
	}

	if len(session.CollectedData) != 1 {
		t.Error("Clone must not share the collected data slice")
	}
}

func TestObserveLatency(t *testing.T) {
	var stats Stats
	stats.ObserveLatency(10 * time.Millisecond)
	stats.ObserveLatency(30 * time.Millisecond)

	if stats.AverageLatency != 20*time.Millisecond {
		t.Errorf("Expected average 20ms, got %s", stats.AverageLatency)
	}
}

func TestSessionValidation(t *testing.T) {
	session := NewSession("s-1", "call-1", "", ProtocolTelephony, "spotlight", nil)
	if err := session.Validate(); err != nil {
		t.Errorf("Valid session should not have validation errors, got: %v", err)
	}

	session.CallID = ""
	if err := session.Validate(); err == nil {
		t.Error("Session with empty call ID should have validation error")
	}

	session.CallID = "call-1"
	session.Protocol = ProtocolKind("fax")
	if err := session.Validate(); err == nil {
		t.Error("Session with invalid protocol should have validation error")
	}
}
