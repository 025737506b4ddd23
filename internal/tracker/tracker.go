// Package tracker exposes the batch control API: start a batch, record
// sends, run reconciliation monitoring, and read progress. It owns the
// dispatch ledger, the baseline, and the single active poller.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quotewatch/quotewatch/internal/batch"
	"github.com/quotewatch/quotewatch/internal/kvstore"
	"github.com/quotewatch/quotewatch/internal/mailgw"
	"github.com/quotewatch/quotewatch/internal/progress"
	"github.com/quotewatch/quotewatch/internal/reconcile"
)

// Config holds tracker tuning.
type Config struct {
	BaselineMargin time.Duration
	RecencyWindow  time.Duration // batches older than this are not restored as active
	Poller         reconcile.Config

	// OnProgress, when set, observes every published snapshot: after each
	// recorded send and after each poll tick. Observers must not mutate
	// the snapshot they receive.
	OnProgress reconcile.ProgressFunc
}

func (c *Config) applyDefaults() {
	if c.BaselineMargin <= 0 {
		c.BaselineMargin = batch.DefaultBaselineMargin
	}
	if c.RecencyWindow <= 0 {
		c.RecencyWindow = time.Hour
	}
}

// Handle identifies a started batch. Operations validate the handle
// against the active batch so a stale handle cannot mutate a newer one.
type Handle struct {
	startedAt int64
}

// Tracker coordinates the ledger, baseline, poller, and persistence.
type Tracker struct {
	gw     mailgw.Gateway
	store  kvstore.Store
	logger *slog.Logger
	cfg    Config

	ledger      *batch.Ledger
	establisher *batch.Establisher
	monitor     *reconcile.Monitor

	mu       sync.Mutex
	snap     progress.Snapshot
	baseline *batch.Baseline
}

// New creates a Tracker on the given gateway and store.
func New(gw mailgw.Gateway, store kvstore.Store, logger *slog.Logger, cfg Config) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	return &Tracker{
		gw:          gw,
		store:       store,
		logger:      logger,
		cfg:         cfg,
		ledger:      batch.NewLedger(store, logger),
		establisher: batch.NewEstablisher(gw, store, logger, cfg.BaselineMargin),
		monitor:     reconcile.NewMonitor(logger),
	}
}

// StartBatch begins a new batch for the correlation keys, cancelling any
// active monitoring and clearing prior batch state.
func (t *Tracker) StartBatch(correlationKeys []string) (*Handle, error) {
	t.monitor.Cancel()

	b := t.ledger.Start(correlationKeys)

	t.mu.Lock()
	t.baseline = nil
	t.snap = progress.Snapshot{
		CorrelationKeys: append([]string(nil), correlationKeys...),
	}.Stamp()
	snap := t.snap.Clone()
	t.mu.Unlock()

	if err := progress.Save(t.store, snap); err != nil {
		t.logger.Warn("persist snapshot", "error", err)
	}
	if err := t.establisher.Clear(); err != nil {
		t.logger.Warn("clear stale baseline", "error", err)
	}

	return &Handle{startedAt: b.StartedAt}, nil
}

// BeginSending writes the in-flight marker before the send loop, which may
// terminate the process mid-batch.
func (t *Tracker) BeginSending(h *Handle, total int) error {
	if err := t.check(h); err != nil {
		return err
	}
	return batch.SaveMarker(t.store, batch.Marker{
		Phase:     batch.PhaseSending,
		SentCount: t.ledger.Batch().SentCount(),
		Total:     total,
	})
}

// FinishSending marks the send loop as cleanly completed.
func (t *Tracker) FinishSending(h *Handle, total int) error {
	if err := t.check(h); err != nil {
		return err
	}
	return batch.SaveMarker(t.store, batch.Marker{
		Phase:     batch.PhaseIdle,
		SentCount: t.ledger.Batch().SentCount(),
		Total:     total,
	})
}

// RecordSend appends a dispatch record for a confirmed send and advances
// the sent and scheduled counts. A confirmed send has its follow-up
// auto-reply scheduled immediately, so both counts move together.
func (t *Tracker) RecordSend(h *Handle, sent *mailgw.SentMessage, subject, correlationKey string) error {
	if err := t.check(h); err != nil {
		return err
	}

	err := t.ledger.RecordSend(batch.DispatchRecord{
		ProviderMessageID: sent.ID,
		ConversationID:    sent.ConversationID,
		CorrelationKey:    correlationKey,
		SentAt:            sent.SentAt,
		Subject:           subject,
	})
	if err != nil {
		return err
	}

	sentCount := t.ledger.Batch().SentCount()

	t.mu.Lock()
	t.snap.SentCount = sentCount
	t.snap.ScheduledCount = sentCount
	t.snap = t.snap.Stamp()
	snap := t.snap.Clone()
	t.mu.Unlock()

	if err := progress.Save(t.store, snap); err != nil {
		t.logger.Warn("persist snapshot", "error", err)
	}
	if t.cfg.OnProgress != nil {
		t.cfg.OnProgress(snap)
	}

	// Keep the marker's partial counts current for crash recovery.
	if m, err := batch.LoadMarker(t.store); err == nil && m != nil && m.Phase == batch.PhaseSending {
		m.SentCount = sentCount
		if err := batch.SaveMarker(t.store, *m); err != nil {
			t.logger.Warn("update marker", "error", err)
		}
	}
	return nil
}

// RecordSendFailure counts a failed send. The batch proceeds with the
// remainder; the failure never increments the sent count.
func (t *Tracker) RecordSendFailure(h *Handle) error {
	if err := t.check(h); err != nil {
		return err
	}
	t.ledger.RecordFailure()
	return nil
}

// EstablishBaseline computes and persists the baseline for the batch.
// Idempotent: re-establishing overwrites.
func (t *Tracker) EstablishBaseline(ctx context.Context, h *Handle) (batch.Baseline, error) {
	if err := t.check(h); err != nil {
		return batch.Baseline{}, err
	}

	base := t.establisher.Establish(ctx, t.ledger.Batch())

	t.mu.Lock()
	t.baseline = &base
	t.mu.Unlock()
	return base, nil
}

// StartMonitoring builds a poller for the batch and hands it to the
// monitor, pre-empting any active poller. The baseline is established
// first if it has not been yet.
func (t *Tracker) StartMonitoring(ctx context.Context, h *Handle, onProgress reconcile.ProgressFunc) error {
	if err := t.check(h); err != nil {
		return err
	}

	t.mu.Lock()
	base := t.baseline
	t.mu.Unlock()

	if base == nil {
		established, err := t.EstablishBaseline(ctx, h)
		if err != nil {
			return err
		}
		base = &established
	}

	t.mu.Lock()
	initial := t.snap.Clone()
	t.mu.Unlock()

	p := reconcile.NewPoller(t.gw, t.store, t.logger, t.cfg.Poller,
		t.ledger.Batch(), *base, initial,
		func(s progress.Snapshot) {
			t.mu.Lock()
			t.snap = s.Clone()
			t.mu.Unlock()
			if t.cfg.OnProgress != nil {
				t.cfg.OnProgress(s)
			}
			if onProgress != nil {
				onProgress(s)
			}
		})

	return t.monitor.Start(p)
}

// CancelMonitoring stops the active poller, retaining the last snapshot.
func (t *Tracker) CancelMonitoring(h *Handle) error {
	if err := t.check(h); err != nil {
		return err
	}
	t.monitor.Cancel()
	return nil
}

// Wait blocks until the active poller reaches a terminal state, or
// returns immediately when none is active.
func (t *Tracker) Wait(ctx context.Context) error {
	p := t.monitor.Active()
	if p == nil {
		return nil
	}
	select {
	case <-p.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the latest progress snapshot.
func (t *Tracker) Snapshot() progress.Snapshot {
	if p := t.monitor.Active(); p != nil && !p.State().Terminal() {
		return p.Snapshot()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap.Clone()
}

// PollerState returns the state of the active poller, or idle.
func (t *Tracker) PollerState() reconcile.State {
	if p := t.monitor.Active(); p != nil {
		return p.State()
	}
	return reconcile.StateIdle
}

// ClearBatch destroys the current batch and its derived state.
func (t *Tracker) ClearBatch(h *Handle) error {
	if err := t.check(h); err != nil {
		return err
	}
	t.monitor.Cancel()

	if err := t.ledger.Clear(); err != nil {
		return err
	}
	if err := t.establisher.Clear(); err != nil {
		t.logger.Warn("clear baseline", "error", err)
	}
	if err := progress.Clear(t.store); err != nil {
		t.logger.Warn("clear snapshot", "error", err)
	}

	t.mu.Lock()
	t.snap = progress.Snapshot{}
	t.baseline = nil
	t.mu.Unlock()
	return nil
}

// check validates a handle against the active batch.
func (t *Tracker) check(h *Handle) error {
	if h == nil {
		return fmt.Errorf("nil batch handle")
	}
	b := t.ledger.Batch()
	if b == nil {
		return fmt.Errorf("no active batch")
	}
	if b.StartedAt != h.startedAt {
		return fmt.Errorf("stale batch handle")
	}
	return nil
}
