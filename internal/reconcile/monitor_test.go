package reconcile

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/quotewatch/quotewatch/internal/kvstore"
	"github.com/quotewatch/quotewatch/internal/mailgw"
	"github.com/quotewatch/quotewatch/internal/progress"
)

func newIdlePoller(t *testing.T) *Poller {
	t.Helper()
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("kvstore.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	b := testBatch()
	return NewPoller(mailgw.NewMockGateway(), store, slog.Default(),
		Config{Interval: time.Second, Budget: time.Minute},
		b, testBaseline(b), progress.Snapshot{SentCount: 3}, nil)
}

func TestMonitorSingleOwner(t *testing.T) {
	m := NewMonitor(slog.Default())

	p1 := newIdlePoller(t)
	if err := m.Start(p1); err != nil {
		t.Fatalf("Start(p1) error = %v", err)
	}
	if m.Active() != p1 {
		t.Fatal("Active() != p1")
	}

	// Starting a second poller pre-empts the first.
	p2 := newIdlePoller(t)
	if err := m.Start(p2); err != nil {
		t.Fatalf("Start(p2) error = %v", err)
	}
	defer p2.Cancel()

	select {
	case <-p1.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("p1 not cancelled by pre-emption")
	}
	if p1.State() != StateCancelled {
		t.Errorf("p1.State() = %v, want cancelled", p1.State())
	}
	if m.Active() != p2 {
		t.Error("Active() != p2 after pre-emption")
	}
}

func TestMonitorCancel(t *testing.T) {
	m := NewMonitor(slog.Default())

	// Cancel with no active poller is a no-op.
	m.Cancel()

	p := newIdlePoller(t)
	if err := m.Start(p); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	m.Cancel()

	// Cancel blocks until wind-down, so Done is already closed here.
	select {
	case <-p.Done():
	default:
		t.Fatal("Cancel() returned before the poller wound down")
	}
	if p.State() != StateCancelled {
		t.Errorf("State() = %v, want cancelled", p.State())
	}
}

func TestMonitorStartErrorReleasesOwnership(t *testing.T) {
	m := NewMonitor(slog.Default())

	p := newIdlePoller(t)
	p.Cancel() // already terminal; Start must fail

	if err := m.Start(p); err == nil {
		t.Fatal("Start() on a cancelled poller = nil error, want error")
	}
	if m.Active() != nil {
		t.Error("Active() != nil after failed Start()")
	}
}
