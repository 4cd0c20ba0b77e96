package models

import (
	"fmt"
	"time"
)

// SyncState represents the detection status of one user
type SyncState string

const (
	SyncPending    SyncState = "pending"    // Waiting for the next run
	SyncProcessing SyncState = "processing" // Run in progress
	SyncCompleted  SyncState = "completed"  // Last run published results
	SyncError      SyncState = "error"      // Last run failed or timed out
)

// SyncTransition defines a valid status transition
type SyncTransition struct {
	From        SyncState
	To          SyncState
	Description string
}

// ValidSyncTransitions lists every allowed status change.
var ValidSyncTransitions = []SyncTransition{
	{SyncPending, SyncProcessing, "Run started"},
	{SyncCompleted, SyncProcessing, "Scheduled or on-demand rerun"},
	{SyncError, SyncProcessing, "Retry after failure"},
	{SyncProcessing, SyncCompleted, "Run published results"},
	{SyncProcessing, SyncError, "Run failed, timed out or was abandoned"},

	// Re-queue without running
	{SyncCompleted, SyncPending, "Resync requested"},
	{SyncError, SyncPending, "Resync requested"},
}

// SyncStatus is the externally visible status of a user's detection runs.
type SyncStatus struct {
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	UserID        string    `json:"user_id"`
	State         SyncState `json:"state"`
	Error         string    `json:"error,omitempty"`
	RunID         string    `json:"run_id,omitempty"`
	FullResync    bool      `json:"full_resync"`
	Failures      int       `json:"consecutive_failures"`
	ChainCount    int       `json:"chain_count"`
	TradeCount    int       `json:"trade_count"`
}

// NewSyncStatus returns the initial pending status for a user.
func NewSyncStatus(userID string) *SyncStatus {
	return &SyncStatus{UserID: userID, State: SyncPending}
}

// CanTransition reports whether moving from the current state to 'to' is allowed.
func (s *SyncStatus) CanTransition(to SyncState) bool {
	from := s.State
	if from == "" {
		from = SyncPending
	}
	for _, tr := range ValidSyncTransitions {
		if tr.From == from && tr.To == to {
			return true
		}
	}
	return false
}

// Transition moves the status to 'to', updating the bookkeeping fields.
func (s *SyncStatus) Transition(to SyncState, now time.Time, detail string) error {
	if !s.CanTransition(to) {
		return fmt.Errorf("invalid sync transition for %s from %s to %s", s.UserID, s.State, to)
	}
	s.State = to
	switch to {
	case SyncProcessing:
		s.LastAttemptAt = now
		s.Error = ""
	case SyncCompleted:
		s.LastSuccessAt = now
		s.Failures = 0
		s.NextAttemptAt = time.Time{}
		s.Error = ""
	case SyncError:
		s.Failures++
		s.Error = detail
	}
	return nil
}

// IsRunning returns true while a run is in progress
func (s *SyncStatus) IsRunning() bool {
	return s.State == SyncProcessing
}

// DueAt reports whether the scheduler may start a run at now.
func (s *SyncStatus) DueAt(now time.Time) bool {
	if s.IsRunning() {
		return false
	}
	return s.NextAttemptAt.IsZero() || !now.Before(s.NextAttemptAt)
}
