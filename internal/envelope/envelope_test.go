package envelope

import (
	"errors"
	"testing"
	"time"
)

func validEnvelope() *Envelope {
	return &Envelope{
		Type:    TypeTaskRequest,
		From:    "agent://alice",
		To:      "agent://bob",
		Subject: "ping",
		TTLSec:  60,
	}
}

func TestValidate_OK(t *testing.T) {
	t.Parallel()

	e := validEnvelope()
	if err := e.Validate(24 * time.Hour); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if e.Version != Version {
		t.Errorf("Version = %q, want default %q", e.Version, Version)
	}
	if e.Timestamp == "" {
		t.Error("Timestamp not defaulted")
	}
	if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
		t.Errorf("Timestamp %q is not RFC3339: %v", e.Timestamp, err)
	}
}

func TestValidate_DefaultsTTL(t *testing.T) {
	t.Parallel()

	e := validEnvelope()
	e.TTLSec = 0
	if err := e.Validate(24 * time.Hour); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if e.TTLSec != 86400 {
		t.Errorf("TTLSec = %d, want 86400", e.TTLSec)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Envelope)
		wantErr error
	}{
		{name: "unknown type", mutate: func(e *Envelope) { e.Type = "spam" }, wantErr: ErrInvalid},
		{name: "missing from", mutate: func(e *Envelope) { e.From = "" }, wantErr: ErrInvalid},
		{name: "bad from scheme", mutate: func(e *Envelope) { e.From = "http://alice" }, wantErr: ErrInvalid},
		{name: "missing to", mutate: func(e *Envelope) { e.To = "" }, wantErr: ErrInvalid},
		{name: "bad to", mutate: func(e *Envelope) { e.To = "agent://" }, wantErr: ErrInvalid},
		{name: "ttl too large", mutate: func(e *Envelope) { e.TTLSec = 8 * 24 * 3600 }, wantErr: ErrTTLOutOfRange},
		{name: "ttl negative", mutate: func(e *Envelope) { e.TTLSec = -5 }, wantErr: ErrTTLOutOfRange},
		{name: "bad timestamp", mutate: func(e *Envelope) { e.Timestamp = "yesterday" }, wantErr: ErrInvalid},
		{name: "negative ephemeral ttl", mutate: func(e *Envelope) { e.Options = &Options{TTL: -1} }, wantErr: ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := validEnvelope()
			tt.mutate(e)
			err := e.Validate(24 * time.Hour)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidAgentID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   string
		want bool
	}{
		{"agent://alice", true},
		{"agent://alice-2.worker_1", true},
		{"agent://", false},
		{"agent://Alice", false},
		{"group://ops", false},
		{"alice", false},
	}

	for _, tt := range tests {
		if got := ValidAgentID(tt.id); got != tt.want {
			t.Errorf("ValidAgentID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestValidGroupID(t *testing.T) {
	t.Parallel()

	if !ValidGroupID("group://ops-team") {
		t.Error("ValidGroupID(group://ops-team) = false, want true")
	}
	if ValidGroupID("agent://ops-team") {
		t.Error("ValidGroupID(agent://ops-team) = true, want false")
	}
}
