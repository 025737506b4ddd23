package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quotewatch/quotewatch/internal/kvstore"
	"github.com/quotewatch/quotewatch/internal/mailgw"
)

// DefaultBaselineMargin is subtracted from the earliest send time so that
// replies arriving near-simultaneously with the last send are not excluded.
const DefaultBaselineMargin = 60 * time.Second

// Baseline marks the cutoff point before which pre-existing mail is
// ignored. Read-only after establishment.
type Baseline struct {
	CutoffUnixMS int64 `json:"cutoff_unix_ms"`

	// PerFolderCount is a best-effort supplementary signal, possibly
	// partial or empty. It is never authoritative.
	PerFolderCount map[string]int `json:"per_folder_count"`
}

// Cutoff returns the cutoff as a time.
func (b Baseline) Cutoff() time.Time {
	return time.UnixMilli(b.CutoffUnixMS)
}

// Before reports whether a message received at the given Unix-millisecond
// timestamp predates the baseline.
func (b Baseline) Before(receivedAtMS int64) bool {
	return receivedAtMS <= b.CutoffUnixMS
}

// FolderCount returns the message total recorded for a folder at
// establishment time. The second return is false when the folder was not
// counted (listing failed or the folder appeared later).
func (b Baseline) FolderCount(folderID string) (int, bool) {
	n, ok := b.PerFolderCount[folderID]
	return n, ok
}

// Establisher computes and persists the baseline for a batch.
type Establisher struct {
	folders mailgw.FolderReader
	store   kvstore.Store
	logger  *slog.Logger
	margin  time.Duration
	now     func() time.Time // for tests
}

// NewEstablisher creates an Establisher with the given safety margin.
// A non-positive margin falls back to DefaultBaselineMargin.
func NewEstablisher(folders mailgw.FolderReader, store kvstore.Store, logger *slog.Logger, margin time.Duration) *Establisher {
	if logger == nil {
		logger = slog.Default()
	}
	if margin <= 0 {
		margin = DefaultBaselineMargin
	}
	return &Establisher{
		folders: folders,
		store:   store,
		logger:  logger,
		margin:  margin,
		now:     time.Now,
	}
}

// Establish computes the baseline for the batch: cutoff is the earliest
// send time minus the margin. When no dispatch record carries a timestamp
// it falls back to now() and logs a degraded-accuracy warning.
//
// Per-folder counts are best-effort; a folder listing failure never aborts
// establishment. Calling Establish twice for the same batch overwrites the
// persisted baseline rather than stacking state.
func (e *Establisher) Establish(ctx context.Context, b *Batch) Baseline {
	var cutoff time.Time
	if earliest := b.EarliestSentAt(); !earliest.IsZero() {
		cutoff = earliest.Add(-e.margin)
	} else {
		cutoff = e.now()
		e.logger.Warn("no send timestamps available, baseline accuracy degraded",
			"cutoff", cutoff)
	}

	baseline := Baseline{
		CutoffUnixMS:   cutoff.UnixMilli(),
		PerFolderCount: make(map[string]int),
	}

	folders, err := e.folders.ListFolders(ctx)
	if err != nil {
		e.logger.Warn("per-folder counts unavailable", "error", err)
	} else {
		for _, f := range folders {
			baseline.PerFolderCount[f.ID] = int(f.MessagesTotal)
		}
	}

	e.persist(baseline)
	return baseline
}

// Load restores a persisted baseline. Returns (Baseline{}, false, nil)
// when none is persisted.
func (e *Establisher) Load() (Baseline, bool, error) {
	data, err := e.store.Get(KeyBaseline)
	if err != nil {
		return Baseline{}, false, fmt.Errorf("load baseline: %w", err)
	}
	if data == nil {
		return Baseline{}, false, nil
	}

	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return Baseline{}, false, fmt.Errorf("decode baseline: %w", err)
	}
	return b, true, nil
}

// Clear removes the persisted baseline.
func (e *Establisher) Clear() error {
	if err := e.store.Delete(KeyBaseline); err != nil {
		return fmt.Errorf("clear baseline: %w", err)
	}
	return nil
}

func (e *Establisher) persist(b Baseline) {
	data, err := json.Marshal(b)
	if err != nil {
		e.logger.Warn("encode baseline for persistence", "error", err)
		return
	}
	if err := e.store.Put(KeyBaseline, data); err != nil {
		e.logger.Warn("persist baseline", "error", err)
	}
}
