// Package progress models the four-stage progress view of an RFQ batch:
// Sent, Auto-Reply Scheduled, Received, Filed.
package progress

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quotewatch/quotewatch/internal/kvstore"
)

// KeySnapshot is the persistence key for the latest snapshot.
const KeySnapshot = "batch/snapshot"

// Snapshot is the aggregate progress of a batch at one point in time.
// It is published by value; observers receive their own copy and must not
// assume shared state with the publisher.
type Snapshot struct {
	SentCount       int      `json:"sent_count"`
	ScheduledCount  int      `json:"scheduled_count"`
	ReceivedCount   int      `json:"received_count"`
	FiledCount      int      `json:"filed_count"`
	CorrelationKeys []string `json:"correlation_keys"`
	Timestamp       int64    `json:"timestamp"` // Unix milliseconds
}

// Clone returns a copy sharing no mutable state with the receiver.
func (s Snapshot) Clone() Snapshot {
	cp := s
	cp.CorrelationKeys = append([]string(nil), s.CorrelationKeys...)
	return cp
}

// Stamp returns a copy with the timestamp set to now.
func (s Snapshot) Stamp() Snapshot {
	s.Timestamp = time.Now().UnixMilli()
	return s
}

// Stage is one of the four ordered lifecycle stages.
type Stage int

const (
	StageSent Stage = iota
	StageScheduled
	StageReceived
	StageFiled
)

var stageNames = [...]string{"Sent", "Auto-Reply Scheduled", "Received", "Filed"}

func (s Stage) String() string {
	if s < StageSent || s > StageFiled {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// StageState is the display state of one stage.
type StageState int

const (
	Pending StageState = iota
	Active
	Done
)

func (s StageState) String() string {
	switch s {
	case Active:
		return "active"
	case Done:
		return "done"
	default:
		return "pending"
	}
}

// States derives the display state of every stage from a snapshot.
// Derivation is sequential: a stage can only be Done once the stage before
// it is Done, so a later stage never shows complete ahead of an earlier one.
func States(s Snapshot) [4]StageState {
	var out [4]StageState

	if s.SentCount > 0 {
		out[StageSent] = Done
	} else {
		out[StageSent] = Active
	}

	if out[StageSent] == Done {
		if s.ScheduledCount >= s.SentCount {
			out[StageScheduled] = Done
		} else {
			out[StageScheduled] = Active
		}
	}

	if out[StageScheduled] == Done {
		if s.ReceivedCount >= s.SentCount {
			out[StageReceived] = Done
		} else {
			out[StageReceived] = Active
		}
	}

	// Filed turns active as soon as any reply arrives, but is only Done
	// once every reply is both received and filed.
	switch {
	case out[StageReceived] == Done && s.ReceivedCount > 0 && s.FiledCount >= s.ReceivedCount:
		out[StageFiled] = Done
	case s.ReceivedCount > 0:
		out[StageFiled] = Active
	}

	return out
}

// Percent returns count/total as a percentage clamped to [0, 100].
func Percent(count, total int) int {
	if total <= 0 {
		return 0
	}
	p := count * 100 / total
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Save persists the snapshot.
func Save(store kvstore.Store, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := store.Put(KeySnapshot, data); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// Load reads the persisted snapshot. Returns (Snapshot{}, false, nil) when
// none is persisted.
func Load(store kvstore.Store) (Snapshot, bool, error) {
	data, err := store.Get(KeySnapshot)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	if data == nil {
		return Snapshot{}, false, nil
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, true, nil
}

// Clear removes the persisted snapshot.
func Clear(store kvstore.Store) error {
	if err := store.Delete(KeySnapshot); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}
