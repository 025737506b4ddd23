package batch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quotewatch/quotewatch/internal/kvstore"
)

// Ledger is the single source of truth for what was sent in the current
// batch. Each successful send appends exactly one record; records are only
// removed via Clear. Every mutation is persisted through the store; a
// persistence failure is logged and the in-memory state stays authoritative
// for the current process lifetime.
type Ledger struct {
	mu     sync.Mutex
	store  kvstore.Store
	logger *slog.Logger
	batch  *Batch
}

// NewLedger creates a ledger backed by the given store.
func NewLedger(store kvstore.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// Start begins a new batch for the given correlation keys, replacing any
// previous batch in memory and in the store.
func (l *Ledger) Start(correlationKeys []string) *Batch {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.batch = &Batch{
		StartedAt:       time.Now().UnixMilli(),
		CorrelationKeys: append([]string(nil), correlationKeys...),
	}
	l.persist()
	return l.snapshotLocked()
}

// RecordSend appends one dispatch record for a confirmed send.
// A missing LocalID is filled in. Returns an error if no batch is active.
func (l *Ledger) RecordSend(rec DispatchRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.batch == nil {
		return fmt.Errorf("no active batch")
	}
	if rec.LocalID == "" {
		rec.LocalID = uuid.NewString()
	}
	l.batch.Records = append(l.batch.Records, rec)
	l.persist()
	return nil
}

// RecordFailure counts a failed send. Failed sends never increment the
// sent count; the batch proceeds with the remainder.
func (l *Ledger) RecordFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.batch == nil {
		return
	}
	l.batch.FailedSends++
	l.persist()
}

// Batch returns a copy of the current batch, or nil when none is active.
// The copy shares no mutable state with the ledger.
func (l *Ledger) Batch() *Batch {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Clear destroys the current batch, both in memory and in the store.
func (l *Ledger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.batch = nil
	if err := l.store.Delete(KeyBatch); err != nil {
		return fmt.Errorf("clear batch: %w", err)
	}
	return nil
}

// Unload drops the in-memory batch without touching the store. Used when
// a persisted batch turns out to be too old to treat as active.
func (l *Ledger) Unload() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.batch = nil
}

// Load restores a persisted batch from the store. Returns (false, nil)
// when no batch is persisted.
func (l *Ledger) Load() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := l.store.Get(KeyBatch)
	if err != nil {
		return false, fmt.Errorf("load batch: %w", err)
	}
	if data == nil {
		return false, nil
	}

	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return false, fmt.Errorf("decode batch: %w", err)
	}
	l.batch = &b
	return true, nil
}

// snapshotLocked returns a deep copy of the batch. Caller must hold mu.
func (l *Ledger) snapshotLocked() *Batch {
	if l.batch == nil {
		return nil
	}
	cp := *l.batch
	cp.CorrelationKeys = append([]string(nil), l.batch.CorrelationKeys...)
	cp.Records = append([]DispatchRecord(nil), l.batch.Records...)
	return &cp
}

// persist writes the batch to the store. Caller must hold mu.
func (l *Ledger) persist() {
	data, err := json.Marshal(l.batch)
	if err != nil {
		l.logger.Warn("encode batch for persistence", "error", err)
		return
	}
	if err := l.store.Put(KeyBatch, data); err != nil {
		// Memory stays authoritative; recovery after a crash will be
		// incomplete.
		l.logger.Warn("persist batch", "error", err)
	}
}
