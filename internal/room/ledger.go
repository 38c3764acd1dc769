package room

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/draftwell/roomhost/internal/blob"
)

// SessionRecord is one participant's connect/disconnect history entry.
// DisconnectedAt is set exactly once: either on explicit disconnect or by
// liveness reconciliation when the session vanished without one.
type SessionRecord struct {
	ID             string     `json:"id"`
	Name           string     `json:"name,omitempty"`
	ConnectedAt    time.Time  `json:"connectedAt"`
	DisconnectedAt *time.Time `json:"disconnectedAt,omitempty"`
}

// Ledger persists per-room session history and reconciles it against live
// observations. Reconciliation is idempotent: with no state change it
// produces no new write.
type Ledger struct {
	store blob.Store
}

// NewLedger constructs a ledger over the given store.
func NewLedger(store blob.Store) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("room: blob store is required")
	}
	return &Ledger{store: store}, nil
}

// Load returns the persisted history for a room, empty when none exists.
func (l *Ledger) Load(ctx context.Context, roomKey string) (map[string]SessionRecord, error) {
	obj, err := l.store.Get(ctx, ledgerKey(roomKey), blob.GetOptions{})
	if errors.Is(err, blob.ErrNotFound) {
		return map[string]SessionRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("room: load ledger %s: %w", roomKey, err)
	}
	defer obj.Body.Close()

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("room: read ledger %s: %w", roomKey, err)
	}

	history := map[string]SessionRecord{}
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("room: decode ledger %s: %w", roomKey, err)
	}
	return history, nil
}

// Reconcile merges live observations into the persisted history, stamps a
// disconnect time on every historical session that is neither marked
// disconnected nor currently connected, and writes the result back only if
// something changed. Disconnect timestamps are never overwritten.
func (l *Ledger) Reconcile(
	ctx context.Context,
	roomKey string,
	live map[string]SessionRecord,
	connected map[string]bool,
	now time.Time,
) (map[string]SessionRecord, error) {
	history, err := l.Load(ctx, roomKey)
	if err != nil {
		return nil, err
	}

	changed := false

	for id, record := range live {
		if _, seen := history[id]; seen {
			continue
		}
		history[id] = record
		changed = true
	}

	for id, record := range history {
		if record.DisconnectedAt != nil || connected[id] {
			continue
		}
		stamp := now.UTC()
		record.DisconnectedAt = &stamp
		history[id] = record
		changed = true
	}

	if !changed {
		return history, nil
	}

	// Go map marshalling sorts keys, so identical histories always encode
	// to identical bytes.
	data, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("room: encode ledger %s: %w", roomKey, err)
	}
	err = l.store.Put(ctx, ledgerKey(roomKey), bytes.NewReader(data), blob.Metadata{ContentType: "application/json"})
	if err != nil {
		return nil, fmt.Errorf("room: persist ledger %s: %w", roomKey, err)
	}
	return history, nil
}

// SortRecords orders session records by connect time, then by id, for a
// stable listing.
func SortRecords(history map[string]SessionRecord) []SessionRecord {
	out := make([]SessionRecord, 0, len(history))
	for _, record := range history {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
