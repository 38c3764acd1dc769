package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var _ Engine = (*MemoryEngine)(nil)

// MemoryEngine holds the authoritative document state for one room in
// process memory. All mutations funnel through UpdateStore under one mutex;
// committed changes are fanned out to connected sockets and reported through
// the OnDataChange callback.
type MemoryEngine struct {
	mu       sync.Mutex
	records  map[string]Record
	order    []string
	clock    int64
	schema   Schema
	sessions map[string]*socketClient
	onChange func()
	log      *zap.Logger
}

// NewMemoryEngine builds an engine primed with the given snapshot.
func NewMemoryEngine(snapshot Snapshot, log *zap.Logger) *MemoryEngine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &MemoryEngine{
		records:  make(map[string]Record),
		sessions: make(map[string]*socketClient),
		log:      log,
	}
	_ = e.LoadSnapshot(snapshot)
	return e
}

// LoadSnapshot replaces the engine state wholesale.
func (e *MemoryEngine) LoadSnapshot(snapshot Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.records = make(map[string]Record, len(snapshot.Documents))
	e.order = e.order[:0]
	for _, record := range snapshot.Documents {
		if record.ID == "" {
			return errors.New("engine: snapshot contains a record without an id")
		}
		if _, dup := e.records[record.ID]; !dup {
			e.order = append(e.order, record.ID)
		}
		e.records[record.ID] = record.Clone()
	}
	e.clock = snapshot.Clock
	e.schema = snapshot.Schema
	return nil
}

// CurrentSnapshot copies the engine state at this instant.
func (e *MemoryEngine) CurrentSnapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *MemoryEngine) snapshotLocked() Snapshot {
	docs := make([]Record, 0, len(e.order))
	for _, id := range e.order {
		docs = append(docs, e.records[id].Clone())
	}
	return Snapshot{Clock: e.clock, Documents: docs, Schema: e.schema}
}

// Tx is the mutation view handed to UpdateStore callbacks.
type Tx struct {
	engine   *MemoryEngine
	puts     map[string]Record
	putOrder []string
	deletes  map[string]struct{}
}

// stagedPuts returns staged put ids in Put invocation order, skipping ids
// deleted again afterwards.
func (tx *Tx) stagedPuts() []string {
	out := make([]string, 0, len(tx.putOrder))
	seen := make(map[string]struct{}, len(tx.putOrder))
	for _, id := range tx.putOrder {
		if _, staged := tx.puts[id]; !staged {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Get returns the record with the given id, observing pending mutations.
func (tx *Tx) Get(id string) (Record, bool) {
	if _, gone := tx.deletes[id]; gone {
		return Record{}, false
	}
	if record, ok := tx.puts[id]; ok {
		return record.Clone(), true
	}
	record, ok := tx.engine.records[id]
	if !ok {
		return Record{}, false
	}
	return record.Clone(), true
}

// Put stages a record insert or replacement.
func (tx *Tx) Put(record Record) {
	delete(tx.deletes, record.ID)
	if _, staged := tx.puts[record.ID]; !staged {
		tx.putOrder = append(tx.putOrder, record.ID)
	}
	tx.puts[record.ID] = record.Clone()
}

// Delete stages a record removal.
func (tx *Tx) Delete(id string) {
	delete(tx.puts, id)
	tx.deletes[id] = struct{}{}
}

// All returns every live record in arrival order, observing pending
// mutations. Staged inserts append in Put order after existing records.
func (tx *Tx) All() []Record {
	out := make([]Record, 0, len(tx.engine.order)+len(tx.puts))
	seen := make(map[string]struct{}, len(tx.engine.order))
	for _, id := range tx.engine.order {
		seen[id] = struct{}{}
		if record, ok := tx.Get(id); ok {
			out = append(out, record)
		}
	}
	for _, id := range tx.stagedPuts() {
		if _, existing := seen[id]; existing {
			continue
		}
		if record, ok := tx.Get(id); ok {
			out = append(out, record)
		}
	}
	return out
}

// UpdateStore applies fn atomically. A failed callback leaves the state
// untouched; a committed one bumps the logical clock, notifies sockets and
// fires the data-change callback.
func (e *MemoryEngine) UpdateStore(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	tx := &Tx{
		engine:  e,
		puts:    make(map[string]Record),
		deletes: make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		e.mu.Unlock()
		return err
	}
	if len(tx.puts) == 0 && len(tx.deletes) == 0 {
		e.mu.Unlock()
		return nil
	}

	patch := patchMessage{Type: msgPatch}
	for id := range tx.deletes {
		if _, ok := e.records[id]; !ok {
			continue
		}
		delete(e.records, id)
		patch.Deleted = append(patch.Deleted, id)
	}
	if len(patch.Deleted) > 0 {
		kept := e.order[:0]
		for _, id := range e.order {
			if _, ok := e.records[id]; ok {
				kept = append(kept, id)
			}
		}
		e.order = kept
	}
	for _, id := range tx.stagedPuts() {
		record := tx.puts[id]
		if _, exists := e.records[id]; !exists {
			e.order = append(e.order, id)
		}
		e.records[id] = record
		patch.Put = append(patch.Put, record)
	}
	if len(patch.Put) == 0 && len(patch.Deleted) == 0 {
		e.mu.Unlock()
		return nil
	}
	e.clock++
	patch.Clock = e.clock
	onChange := e.onChange
	e.mu.Unlock()

	e.broadcast(patch, "")
	if onChange != nil {
		onChange()
	}
	return nil
}

// OnDataChange registers the data-change callback.
func (e *MemoryEngine) OnDataChange(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = fn
}

// Sessions reports every participant this engine instance has seen.
func (e *MemoryEngine) Sessions() []SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]SessionState, 0, len(e.sessions))
	for id, client := range e.sessions {
		out = append(out, SessionState{SessionID: id, IsConnected: client.connected})
	}
	return out
}

// HandleSocketConnect attaches a participant socket and starts its pumps.
func (e *MemoryEngine) HandleSocketConnect(opts SocketConnectOptions) error {
	if opts.SessionID == "" {
		return errors.New("engine: session id is required")
	}
	if opts.Conn == nil {
		return errors.New("engine: websocket connection is required")
	}

	client := newSocketClient(e, opts)

	e.mu.Lock()
	if existing, ok := e.sessions[opts.SessionID]; ok && existing.connected {
		e.mu.Unlock()
		return fmt.Errorf("engine: session %s already connected", opts.SessionID)
	}
	e.sessions[opts.SessionID] = client
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	client.start(snapshot)
	return nil
}

// HandleSocketClose detaches a participant. The session stays in the seen
// set so the ledger can stamp its disconnect time.
func (e *MemoryEngine) HandleSocketClose(sessionID string) {
	e.mu.Lock()
	client, ok := e.sessions[sessionID]
	if ok {
		client.connected = false
	}
	e.mu.Unlock()

	if ok {
		client.close()
	}
}
