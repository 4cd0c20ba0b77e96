package models

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// DiagnosticKind classifies a non-fatal finding made while processing orders.
type DiagnosticKind string

const (
	DiagParseDefault   DiagnosticKind = "parse_default"
	DiagMalformedOrder DiagnosticKind = "malformed_order"
	DiagMalformedLeg   DiagnosticKind = "malformed_leg"
	DiagSkippedState   DiagnosticKind = "skipped_state"
	DiagLabelConflict  DiagnosticKind = "label_conflict"
	DiagUnmatchedClose DiagnosticKind = "unmatched_close"
	DiagBestEffort     DiagnosticKind = "best_effort_chain"
	DiagMethodFailed   DiagnosticKind = "method_failed"
	DiagHistoryFailed  DiagnosticKind = "history_unavailable"
)

// Diagnostic is one recorded finding.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	OrderID string         `json:"order_id,omitempty"`
	Detail  string         `json:"detail"`
}

// Diagnostics collects findings for one run. A nil *Diagnostics discards everything.
type Diagnostics struct {
	mu      sync.Mutex
	logger  logrus.FieldLogger
	entries []Diagnostic
}

// NewDiagnostics creates a sink that also logs each finding at debug level.
func NewDiagnostics(logger logrus.FieldLogger) *Diagnostics {
	return &Diagnostics{logger: logger}
}

// Record appends a finding.
func (d *Diagnostics) Record(kind DiagnosticKind, orderID, format string, args ...any) {
	if d == nil {
		return
	}
	entry := Diagnostic{Kind: kind, OrderID: orderID, Detail: fmt.Sprintf(format, args...)}
	d.mu.Lock()
	d.entries = append(d.entries, entry)
	d.mu.Unlock()
	if d.logger != nil {
		d.logger.WithFields(logrus.Fields{"kind": kind, "order": orderID}).Debug(entry.Detail)
	}
}

// Entries returns a copy of the recorded findings.
func (d *Diagnostics) Entries() []Diagnostic {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Diagnostic, len(d.entries))
	copy(out, d.entries)
	return out
}

// Count returns how many findings of kind were recorded.
func (d *Diagnostics) Count(kind DiagnosticKind) int {
	n := 0
	for _, e := range d.Entries() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
