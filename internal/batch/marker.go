package batch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quotewatch/quotewatch/internal/kvstore"
)

// Marker phases. "sending" is written before the send loop, which may
// terminate the process mid-batch; "idle" is written on clean completion.
const (
	PhaseSending = "sending"
	PhaseIdle    = "idle"
)

// Marker is the in-flight operation marker read once at startup for crash
// recovery.
type Marker struct {
	Phase     string `json:"phase"`
	SentCount int    `json:"sent_count"`
	Total     int    `json:"total"`
	UpdatedAt int64  `json:"updated_at"` // Unix milliseconds
}

// SaveMarker persists the marker, stamping UpdatedAt.
func SaveMarker(store kvstore.Store, m Marker) error {
	m.UpdatedAt = time.Now().UnixMilli()
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	if err := store.Put(KeyMarker, data); err != nil {
		return fmt.Errorf("persist marker: %w", err)
	}
	return nil
}

// LoadMarker reads the persisted marker. Returns (nil, nil) when absent.
func LoadMarker(store kvstore.Store) (*Marker, error) {
	data, err := store.Get(KeyMarker)
	if err != nil {
		return nil, fmt.Errorf("load marker: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode marker: %w", err)
	}
	return &m, nil
}

// ClearMarker removes the persisted marker.
func ClearMarker(store kvstore.Store) error {
	if err := store.Delete(KeyMarker); err != nil {
		return fmt.Errorf("clear marker: %w", err)
	}
	return nil
}
