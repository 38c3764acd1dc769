package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/draftwell/roomhost/internal/blob"
	"github.com/draftwell/roomhost/internal/engine"
)

// Assembler builds a room's initial state from the durable store: either a
// single snapshot blob, or the concatenation of per-page fragment blobs.
type Assembler struct {
	store blob.Store
}

// NewAssembler constructs an assembler over the given store.
func NewAssembler(store blob.Store) (*Assembler, error) {
	if store == nil {
		return nil, errors.New("room: blob store is required")
	}
	return &Assembler{store: store}, nil
}

// Load materialises the snapshot described by desc. A simple room with no
// persisted snapshot yields an empty snapshot rather than an error.
func (a *Assembler) Load(ctx context.Context, desc Descriptor) (engine.Snapshot, error) {
	if desc.Composite() {
		return a.loadComposite(ctx, desc)
	}
	return a.loadSimple(ctx, desc.RoomKey)
}

func (a *Assembler) loadSimple(ctx context.Context, roomKey string) (engine.Snapshot, error) {
	var snapshot engine.Snapshot
	found, err := a.readJSON(ctx, snapshotKey(roomKey), &snapshot)
	if err != nil {
		return engine.Snapshot{}, fmt.Errorf("room: load snapshot %s: %w", roomKey, err)
	}
	if !found {
		return engine.EmptySnapshot(), nil
	}
	return snapshot, nil
}

// loadComposite fetches each fragment in its own read and concatenates the
// record lists in input order. The schema descriptor is only overlaid when
// at least one fragment had data, so an empty room falls back to the
// engine's default schema.
func (a *Assembler) loadComposite(ctx context.Context, desc Descriptor) (engine.Snapshot, error) {
	snapshot := engine.EmptySnapshot()
	hasData := false

	for _, fragmentID := range desc.FragmentIDs {
		var records []engine.Record
		found, err := a.readJSON(ctx, fragmentKey(desc.Namespace, fragmentID), &records)
		if err != nil {
			return engine.Snapshot{}, fmt.Errorf("room: load fragment %s/%s: %w", desc.Namespace, fragmentID, err)
		}
		if !found {
			continue
		}
		hasData = true
		snapshot.Documents = append(snapshot.Documents, records...)
	}

	if hasData {
		var schema engine.Schema
		found, err := a.readJSON(ctx, schemaKey(desc.Namespace), &schema)
		if err != nil {
			return engine.Snapshot{}, fmt.Errorf("room: load schema %s: %w", desc.Namespace, err)
		}
		if found {
			snapshot.Schema = schema
		}
	}

	return snapshot, nil
}

// readJSON decodes a whole blob into v, reporting absence without error.
func (a *Assembler) readJSON(ctx context.Context, key string, v any) (bool, error) {
	obj, err := a.store.Get(ctx, key, blob.GetOptions{})
	if errors.Is(err, blob.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer obj.Body.Close()

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}
