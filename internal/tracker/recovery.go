package tracker

import (
	"fmt"
	"time"

	"github.com/quotewatch/quotewatch/internal/batch"
	"github.com/quotewatch/quotewatch/internal/progress"
)

// RecoveryReport describes what Recover found in persisted state.
type RecoveryReport struct {
	// Interrupted is true when a prior run died mid-send.
	Interrupted bool
	// SentCount and Total come from the in-flight marker when Interrupted.
	SentCount int
	Total     int

	// CompletedRecently is true when a prior run finished its send loop
	// cleanly within the recency window. The completion banner should be
	// shown at most once; Recover clears the marker after reporting it.
	CompletedRecently bool

	// BatchRestored is true when a recent batch was reloaded as the
	// active batch. Stale batches are acknowledged but never restored.
	BatchRestored bool
	// Stale is true when a persisted batch exists but is older than the
	// recency window.
	Stale bool
	// BatchAge is set whenever a persisted batch was found.
	BatchAge time.Duration

	Snapshot progress.Snapshot
}

// Message renders the report as a single operator-facing line, or "" when
// there is nothing to say.
func (r *RecoveryReport) Message() string {
	switch {
	case r.Interrupted:
		return fmt.Sprintf("previous send interrupted: %d of %d drafts confirmed sent; not resuming automatically", r.SentCount, r.Total)
	case r.CompletedRecently:
		return fmt.Sprintf("previous batch completed: %d sent, %d received, %d filed", r.Snapshot.SentCount, r.Snapshot.ReceivedCount, r.Snapshot.FiledCount)
	case r.Stale:
		return fmt.Sprintf("found a batch from %s ago; start a new one to track fresh sends", r.BatchAge.Round(time.Minute))
	}
	return ""
}

// Recover reads persisted state once at startup and reconstructs the
// tracker's view. Interrupted sends are reported, never resumed: the
// operator decides what to do with a half-sent batch. Recover is
// idempotent; a second call after the marker is cleared reports nothing.
func (t *Tracker) Recover() (*RecoveryReport, *Handle, error) {
	report := &RecoveryReport{}

	marker, err := batch.LoadMarker(t.store)
	if err != nil {
		return nil, nil, fmt.Errorf("loading in-flight marker: %w", err)
	}

	found, err := t.ledger.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading dispatch ledger: %w", err)
	}

	if snap, ok, err := progress.Load(t.store); err != nil {
		t.logger.Warn("loading snapshot", "error", err)
	} else if ok {
		report.Snapshot = snap
	}

	if marker != nil && marker.Phase == batch.PhaseSending {
		report.Interrupted = true
		report.SentCount = marker.SentCount
		report.Total = marker.Total
		if err := batch.ClearMarker(t.store); err != nil {
			t.logger.Warn("clearing marker", "error", err)
		}
	}

	if !found {
		// An idle marker without a batch behind it is junk state.
		if marker != nil && marker.Phase == batch.PhaseIdle {
			if err := batch.ClearMarker(t.store); err != nil {
				t.logger.Warn("clearing marker", "error", err)
			}
		}
		return report, nil, nil
	}

	b := t.ledger.Batch()
	report.BatchAge = b.Age(time.Now())
	if report.BatchAge > t.cfg.RecencyWindow {
		// Too old to track: acknowledge it, but drop it from memory so a
		// stale batch never masquerades as active. The persisted record
		// stays until a new batch overwrites it.
		report.Stale = true
		t.ledger.Unload()
		if marker != nil && marker.Phase == batch.PhaseIdle {
			if err := batch.ClearMarker(t.store); err != nil {
				t.logger.Warn("clearing marker", "error", err)
			}
		}
		return report, nil, nil
	}

	if marker != nil && marker.Phase == batch.PhaseIdle {
		report.CompletedRecently = true
		if err := batch.ClearMarker(t.store); err != nil {
			t.logger.Warn("clearing marker", "error", err)
		}
	}

	report.BatchRestored = true

	t.mu.Lock()
	t.snap = report.Snapshot.Clone()
	t.mu.Unlock()

	if base, ok, err := t.establisher.Load(); err != nil {
		t.logger.Warn("loading baseline", "error", err)
	} else if ok {
		t.mu.Lock()
		t.baseline = &base
		t.mu.Unlock()
	}

	return report, &Handle{startedAt: b.StartedAt}, nil
}
