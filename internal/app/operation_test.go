package app

import (
	"errors"
	"testing"
	"time"
)

func TestNewOperation(t *testing.T) {
	started := time.Date(2024, 6, 15, 14, 30, 0, 0, time.UTC)
	tests := []struct {
		name       string
		operation  string
		parameters string
	}{
		{name: "with parameters", operation: "import", parameters: "/tmp/pairs.csv"},
		{name: "empty parameters", operation: "stats", parameters: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation(tt.operation, tt.parameters, started)

			if op.Name != tt.operation {
				t.Errorf("Name = %q, want %q", op.Name, tt.operation)
			}
			if op.Parameters != tt.parameters {
				t.Errorf("Parameters = %q, want %q", op.Parameters, tt.parameters)
			}
			if op.Status != "success" {
				t.Errorf("Status = %q, want %q", op.Status, "success")
			}
			if !op.StartedAt.Equal(started) {
				t.Errorf("StartedAt = %v, want %v", op.StartedAt, started)
			}
			if op.Mutated() || op.Recorded() {
				t.Error("new operation should be neither mutated nor recorded")
			}
		})
	}
}

func TestOperation_Fail(t *testing.T) {
	op := NewOperation("reset", "", time.Now())

	if err := op.Fail(nil); err != nil || op.Status != "success" {
		t.Errorf("Fail(nil) = %v, status %q; want nil, success", err, op.Status)
	}

	boom := errors.New("boom")
	if err := op.Fail(boom); !errors.Is(err, boom) {
		t.Errorf("Fail() = %v, want %v", err, boom)
	}
	if op.Status != "error" {
		t.Errorf("Status = %q, want error", op.Status)
	}
}

func TestOperation_Marks(t *testing.T) {
	tests := []struct {
		name         string
		mark         func(*Operation)
		wantMutated  bool
		wantRecorded bool
	}{
		{name: "none", mark: func(*Operation) {}},
		{name: "mutated", mark: (*Operation).markMutated, wantMutated: true},
		{name: "recorded implies mutated", mark: (*Operation).markRecorded, wantMutated: true, wantRecorded: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation("x", "", time.Now())
			tt.mark(op)
			if op.Mutated() != tt.wantMutated || op.Recorded() != tt.wantRecorded {
				t.Errorf("Mutated() = %v, Recorded() = %v; want %v, %v",
					op.Mutated(), op.Recorded(), tt.wantMutated, tt.wantRecorded)
			}
		})
	}
}
