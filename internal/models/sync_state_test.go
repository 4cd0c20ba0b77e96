package models

import (
	"testing"
	"time"
)

func TestSyncStatus_BasicTransitions(t *testing.T) {
	s := NewSyncStatus("u1")
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	if s.State != SyncPending {
		t.Fatalf("Initial state should be pending, got %s", s.State)
	}
	if err := s.Transition(SyncProcessing, now, ""); err != nil {
		t.Fatalf("Valid transition failed: %v", err)
	}
	if !s.IsRunning() {
		t.Error("Expected status to be running")
	}
	if !s.LastAttemptAt.Equal(now) {
		t.Errorf("LastAttemptAt = %v, want %v", s.LastAttemptAt, now)
	}
	if err := s.Transition(SyncCompleted, now.Add(time.Minute), ""); err != nil {
		t.Fatalf("Valid transition failed: %v", err)
	}
	if !s.LastSuccessAt.Equal(now.Add(time.Minute)) {
		t.Errorf("LastSuccessAt not updated: %v", s.LastSuccessAt)
	}
}

func TestSyncStatus_InvalidTransitions(t *testing.T) {
	s := NewSyncStatus("u1")

	if err := s.Transition(SyncCompleted, time.Now(), ""); err == nil {
		t.Error("pending -> completed should fail")
	}
	if s.State != SyncPending {
		t.Errorf("State should remain pending after failed transition, got %s", s.State)
	}
}

func TestSyncStatus_ErrorCountsAndRecovery(t *testing.T) {
	s := NewSyncStatus("u1")
	now := time.Now()

	for i := 1; i <= 2; i++ {
		if err := s.Transition(SyncProcessing, now, ""); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if err := s.Transition(SyncError, now, "timeout"); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if s.Failures != i {
			t.Errorf("Failures = %d, want %d", s.Failures, i)
		}
	}
	if s.Error != "timeout" {
		t.Errorf("Error = %q, want timeout", s.Error)
	}

	if err := s.Transition(SyncProcessing, now, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(SyncCompleted, now, ""); err != nil {
		t.Fatal(err)
	}
	if s.Failures != 0 || s.Error != "" {
		t.Errorf("expected failures reset, got %d %q", s.Failures, s.Error)
	}
}

func TestSyncStatus_DueAt(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSyncStatus("u1")
	if !s.DueAt(now) {
		t.Error("fresh status should be due")
	}

	s.NextAttemptAt = now.Add(time.Minute)
	if s.DueAt(now) {
		t.Error("status with future NextAttemptAt should not be due")
	}
	if !s.DueAt(now.Add(time.Minute)) {
		t.Error("status should be due once NextAttemptAt is reached")
	}

	s.State = SyncProcessing
	if s.DueAt(now.Add(time.Hour)) {
		t.Error("running status should never be due")
	}
}
