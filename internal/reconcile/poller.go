// Package reconcile implements the reconciliation poller: a bounded-lifetime
// scheduled task that correlates sent RFQ messages to supplier replies.
//
// The poller is best-effort and idempotent. Every tick re-queries the mail
// gateway, classifies candidates, deduplicates against already counted
// replies, and publishes a progress snapshot. A failed sub-query contributes
// zero new replies for that source this tick and is retried on the next one.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quotewatch/quotewatch/internal/batch"
	"github.com/quotewatch/quotewatch/internal/classify"
	"github.com/quotewatch/quotewatch/internal/kvstore"
	"github.com/quotewatch/quotewatch/internal/mailgw"
	"github.com/quotewatch/quotewatch/internal/progress"
)

// State is the lifecycle state of a poller.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateCompleted
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

// Terminal reports whether no further ticks will run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateCancelled
}

// ProgressFunc is invoked after every tick with a copy of the latest
// snapshot. Consumers must not assume shared state with the poller.
type ProgressFunc func(progress.Snapshot)

// Config holds poller tuning.
type Config struct {
	Interval time.Duration // tick spacing (e.g. 3s)
	Budget   time.Duration // absolute wall-clock budget (e.g. 10m)

	QuoteFolders  []string // destination folders scanned for filed replies
	TopicToken    string
	MinReplyChars int

	// AssumeQuoteWhenUnfiled counts a classified reply toward the filed
	// total when the provider gives no folder signal for it at all.
	// Business-policy default, off unless configured.
	AssumeQuoteWhenUnfiled bool

	// FanOut bounds how many conversations are queried per gateway batch.
	FanOut int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 3 * time.Second
	}
	if c.Budget <= 0 {
		c.Budget = 10 * time.Minute
	}
	if c.FanOut <= 0 {
		c.FanOut = 5
	}
	if len(c.QuoteFolders) == 0 {
		c.QuoteFolders = []string{"Quotes"}
	}
}

// Poller watches one batch until completion, timeout, or cancellation.
// All mutations of the counted set and snapshot happen on the poller's own
// tick; external callers only read through Snapshot() and State().
type Poller struct {
	gw      mailgw.Gateway
	store   kvstore.Store
	logger  *slog.Logger
	cfg     Config
	watched *batch.Batch
	base    batch.Baseline

	onProgress ProgressFunc

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu        sync.Mutex
	state     State
	startedAt time.Time
	ticking   bool
	counted   map[string]bool // provider message ids attributed as replies
	filed     map[string]bool // counted ids seen in a filed location
	snap      progress.Snapshot
}

// NewPoller creates a poller for the given batch and baseline.
// The initial snapshot seeds the sent/scheduled counts so that a recovered
// batch does not restart from zero.
func NewPoller(gw mailgw.Gateway, store kvstore.Store, logger *slog.Logger, cfg Config,
	b *batch.Batch, base batch.Baseline, initial progress.Snapshot, onProgress ProgressFunc) *Poller {

	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		gw:         gw,
		store:      store,
		logger:     logger,
		cfg:        cfg,
		watched:    b,
		base:       base,
		onProgress: onProgress,
		cron:       cron.New(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      StateIdle,
		counted:    make(map[string]bool),
		filed:      make(map[string]bool),
		snap:       initial.Clone(),
	}
}

// Start begins ticking. It can be called at most once per poller.
func (p *Poller) Start() error {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return fmt.Errorf("poller already started (state %s)", p.state)
	}
	p.state = StatePolling
	p.startedAt = time.Now()
	p.mu.Unlock()

	spec := fmt.Sprintf("@every %s", p.cfg.Interval)
	if _, err := p.cron.AddFunc(spec, p.tick); err != nil {
		return fmt.Errorf("schedule poll tick: %w", err)
	}
	p.cron.Start()

	p.logger.Info("reconciliation started",
		"sent", p.watched.SentCount(),
		"conversations", len(p.watched.ConversationIDs()),
		"interval", p.cfg.Interval,
		"budget", p.cfg.Budget)
	return nil
}

// Cancel stops future ticks. The already-published snapshot is retained.
// An in-flight tick is allowed to complete but its result is discarded.
func (p *Poller) Cancel() {
	p.finish(StateCancelled)
}

// Done returns a channel closed when the poller reaches a terminal state.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// State returns the current lifecycle state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Snapshot returns a copy of the latest progress snapshot.
func (p *Poller) Snapshot() progress.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap.Clone()
}

// finish moves the poller to a terminal state exactly once.
func (p *Poller) finish(terminal State) {
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return
	}
	p.state = terminal
	p.mu.Unlock()

	p.cancel()
	cronCtx := p.cron.Stop()

	go func() {
		<-cronCtx.Done()
		p.wg.Wait()
		close(p.done)
	}()

	p.logger.Info("reconciliation finished", "state", terminal.String())
}

// tick runs one poll cycle. Overlapping ticks are skipped: a slow sweep
// must not pile up behind the schedule.
func (p *Poller) tick() {
	p.mu.Lock()
	if p.state != StatePolling || p.ticking {
		p.mu.Unlock()
		return
	}
	p.ticking = true
	p.wg.Add(1)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.ticking = false
		p.mu.Unlock()
		p.wg.Done()
	}()

	if time.Since(p.startedAt) > p.cfg.Budget {
		// Safety valve, not a failure: the last snapshot stays valid.
		p.finish(StateTimedOut)
		return
	}

	newlyCounted := p.sweepConversations(p.ctx)
	if p.cancelled() {
		return
	}
	newlyCounted += p.sweepFolders(p.ctx)
	if p.cancelled() {
		return
	}

	snap := p.publish()
	if newlyCounted > 0 {
		p.logger.Info("replies reconciled",
			"new", newlyCounted,
			"received", snap.ReceivedCount,
			"filed", snap.FiledCount,
			"sent", snap.SentCount)
	}

	if snap.SentCount > 0 &&
		snap.ReceivedCount >= snap.SentCount &&
		snap.FiledCount >= snap.ReceivedCount {
		p.finish(StateCompleted)
	}
}

// cancelled checks the cooperative cancellation token between sub-steps.
func (p *Poller) cancelled() bool {
	select {
	case <-p.ctx.Done():
		return true
	default:
		return false
	}
}

// sweepConversations fetches every tracked conversation in bounded chunks
// and classifies the candidates. Returns how many new replies were counted.
func (p *Poller) sweepConversations(ctx context.Context) int {
	ids := p.watched.ConversationIDs()
	counted := 0

	for start := 0; start < len(ids); start += p.cfg.FanOut {
		end := start + p.cfg.FanOut
		if end > len(ids) {
			end = len(ids)
		}

		results, err := p.gw.ListConversationsBatch(ctx, ids[start:end])
		if err != nil {
			// Skipped this tick, retried on the next one.
			p.logger.Warn("conversation sweep failed", "error", err)
			return counted
		}

		for _, msgs := range results {
			for _, msg := range msgs {
				if p.consider(msg) {
					counted++
				}
			}
		}

		if p.cancelled() {
			return counted
		}
	}
	return counted
}

// sweepFolders scans the inbox and the quote folders for topic-marked
// messages whose conversation linkage may be missing. Individual folder
// failures are logged and skipped.
func (p *Poller) sweepFolders(ctx context.Context) int {
	folders := append([]string{"INBOX"}, p.cfg.QuoteFolders...)
	query := fmt.Sprintf("subject:%s", p.cfg.TopicToken)
	counted := 0

	for _, folderID := range folders {
		msgs, err := p.gw.ListFolder(ctx, folderID, query)
		if err != nil {
			p.logger.Warn("folder sweep failed", "folder", folderID, "error", err)
			continue
		}
		newHere := 0
		for _, msg := range msgs {
			if p.consider(msg) {
				counted++
				newHere++
			}
		}
		if newHere > 0 {
			// The baseline's folder total is a sanity signal: new replies
			// in a folder that has not grown past it deserve a closer look.
			if base, ok := p.base.FolderCount(folderID); ok {
				p.logger.Debug("folder activity since baseline",
					"folder", folderID,
					"new_replies", newHere,
					"baseline_total", base)
			}
		}
		if p.cancelled() {
			return counted
		}
	}
	return counted
}

// consider runs one candidate through dedup, classification, and the
// baseline cutoff. Returns true when the message was newly counted.
// Also refreshes the filed signal for already counted messages, since a
// reply may be moved into a quote folder after it was first counted.
func (p *Poller) consider(msg *mailgw.Message) bool {
	if msg == nil || msg.ID == "" {
		return false
	}
	if p.watched.HasMessageID(msg.ID) {
		return false // our own outbound mail
	}

	p.mu.Lock()
	already := p.counted[msg.ID]
	p.mu.Unlock()

	if already {
		p.updateFiled(msg)
		return false
	}

	res := classify.Classify(msg, classify.Options{
		TopicToken:    p.cfg.TopicToken,
		MinReplyChars: p.cfg.MinReplyChars,
	})
	if !res.IsReply {
		if res.IsBounce {
			p.logger.Debug("bounce filtered", "id", msg.ID, "rule", res.Rule)
		}
		return false
	}
	if p.base.Before(msg.ReceivedAt) {
		p.logger.Debug("stale message ignored",
			"id", msg.ID,
			"received", msg.Received(),
			"cutoff", p.base.Cutoff())
		return false
	}

	p.mu.Lock()
	if p.counted[msg.ID] {
		p.mu.Unlock()
		return false
	}
	p.counted[msg.ID] = true
	p.mu.Unlock()

	p.updateFiled(msg)
	return true
}

// updateFiled records whether a counted reply sits in a filed location.
func (p *Poller) updateFiled(msg *mailgw.Message) {
	filed := false
	for _, f := range p.cfg.QuoteFolders {
		if msg.InFolder(f) {
			filed = true
			break
		}
	}
	if !filed && p.cfg.AssumeQuoteWhenUnfiled && len(msg.FolderIDs) == 0 {
		// No folder signal at all: policy says treat it as a quote.
		filed = true
	}
	if !filed {
		return
	}

	p.mu.Lock()
	if p.counted[msg.ID] {
		p.filed[msg.ID] = true
	}
	p.mu.Unlock()
}

// publish updates the snapshot from the counted sets, persists it, and
// notifies the observer. Counted-set updates always precede the publish,
// so observers never see a count decrease.
func (p *Poller) publish() progress.Snapshot {
	p.mu.Lock()
	if p.state != StatePolling {
		// Cancelled between the last sweep and the publish: the tick's
		// result is discarded and the retained snapshot stands.
		snap := p.snap.Clone()
		p.mu.Unlock()
		return snap
	}
	if received := len(p.counted); received > p.snap.ReceivedCount {
		p.snap.ReceivedCount = received
	}
	if filed := len(p.filed); filed > p.snap.FiledCount {
		p.snap.FiledCount = filed
	}
	p.snap = p.snap.Stamp()
	snap := p.snap.Clone()
	p.mu.Unlock()

	if err := progress.Save(p.store, snap); err != nil {
		p.logger.Warn("persist snapshot", "error", err)
	}
	if p.onProgress != nil {
		p.onProgress(snap)
	}
	return snap
}
