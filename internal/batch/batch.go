// Package batch holds the durable record of an outbound RFQ batch: which
// drafts were sent, to which conversations, and the baseline separating
// batch mail from pre-existing mail.
package batch

import "time"

// Persistence keys for the current batch. Only one batch is active per
// store at a time.
const (
	KeyBatch    = "batch/current"
	KeyBaseline = "batch/baseline"
	KeyMarker   = "batch/marker"
)

// DispatchRecord is the ledger entry for one confirmed send.
// Immutable once recorded.
type DispatchRecord struct {
	LocalID           string `json:"local_id"`
	ProviderMessageID string `json:"provider_message_id"`
	ConversationID    string `json:"conversation_id"`
	CorrelationKey    string `json:"correlation_key"` // e.g. material code
	SentAt            int64  `json:"sent_at"`         // Unix milliseconds
	Subject           string `json:"subject"`
}

// Batch is the ordered set of dispatch records sharing a start time.
type Batch struct {
	StartedAt       int64            `json:"started_at"` // Unix milliseconds
	CorrelationKeys []string         `json:"correlation_keys"`
	Records         []DispatchRecord `json:"records"`
	FailedSends     int              `json:"failed_sends"`
}

// SentCount returns the number of confirmed sends. Failed sends are not
// recorded and never contribute.
func (b *Batch) SentCount() int {
	return len(b.Records)
}

// ConversationIDs returns the conversation ids the poller must watch,
// deduplicated, in record order.
func (b *Batch) ConversationIDs() []string {
	seen := make(map[string]bool, len(b.Records))
	var ids []string
	for _, r := range b.Records {
		if r.ConversationID == "" || seen[r.ConversationID] {
			continue
		}
		seen[r.ConversationID] = true
		ids = append(ids, r.ConversationID)
	}
	return ids
}

// HasMessageID reports whether id is one of the batch's own sent messages.
// The poller uses this to avoid classifying our outbound mail as replies.
func (b *Batch) HasMessageID(id string) bool {
	for _, r := range b.Records {
		if r.ProviderMessageID == id {
			return true
		}
	}
	return false
}

// EarliestSentAt returns the earliest send time in the batch, or the zero
// time when no record carries a timestamp.
func (b *Batch) EarliestSentAt() time.Time {
	var earliest int64
	for _, r := range b.Records {
		if r.SentAt == 0 {
			continue
		}
		if earliest == 0 || r.SentAt < earliest {
			earliest = r.SentAt
		}
	}
	if earliest == 0 {
		return time.Time{}
	}
	return time.UnixMilli(earliest)
}

// Age returns how long ago the batch was started.
func (b *Batch) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(b.StartedAt))
}
