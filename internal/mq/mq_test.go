package mq

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
)

// --- Payload Tests ---

func TestParsePayload_RoundTrip(t *testing.T) {
	runID := uuid.New()
	msg := newMessage(MessageTypeRunQueued, RunCommandPayload{RunID: runID})

	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.Type != MessageTypeRunQueued {
		t.Errorf("expected type %s, got %s", MessageTypeRunQueued, decoded.Type)
	}

	payload, err := ParsePayload[RunCommandPayload](&decoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.RunID != runID {
		t.Errorf("expected run_id %s, got %s", runID, payload.RunID)
	}
}

func TestParsePayload_Malformed(t *testing.T) {
	msg := &Message{Type: MessageTypeRunQueued, Payload: map[string]any{"run_id": "not-a-uuid"}}

	_, err := ParsePayload[RunCommandPayload](msg)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestNewMessage(t *testing.T) {
	a := newMessage(MessageTypeRunCancel, nil)
	b := newMessage(MessageTypeRunCancel, nil)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("expected unique message ids, got %q and %q", a.ID, b.ID)
	}
	if a.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

// --- Consumer Tests ---

func TestDisposition(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		redelivered bool
		want        Disposition
	}{
		{name: "success", want: DispositionAck},
		{name: "success after redelivery", redelivered: true, want: DispositionAck},
		{name: "transient", err: errors.New("store unavailable"), want: DispositionRequeue},
		{name: "transient twice", err: errors.New("store unavailable"), redelivered: true, want: DispositionDeadLetter},
		{name: "malformed", err: fmt.Errorf("%w: bad run_id", ErrMalformed), want: DispositionDeadLetter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := disposition(tt.err, tt.redelivered); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
