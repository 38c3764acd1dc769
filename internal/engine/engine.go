// Package engine defines the document synchronization engine boundary: the
// component that owns live document state, applies mutations atomically and
// broadcasts committed changes to connected participants. The room actor
// treats it as a black box behind the Engine interface; MemoryEngine is the
// in-process implementation.
package engine

import "context"

// Engine is the synchronization engine contract consumed by room actors.
type Engine interface {
	// HandleSocketConnect attaches an upgraded websocket as a participant.
	HandleSocketConnect(opts SocketConnectOptions) error
	// HandleSocketClose detaches the participant with the given session id.
	HandleSocketClose(sessionID string)
	// UpdateStore applies a mutation atomically. The transaction view passed
	// to fn is only valid for the duration of the call.
	UpdateStore(ctx context.Context, fn func(tx *Tx) error) error
	// CurrentSnapshot returns a copy of the engine's state at this instant.
	CurrentSnapshot() Snapshot
	// LoadSnapshot replaces the engine's state wholesale.
	LoadSnapshot(snapshot Snapshot) error
	// Sessions reports every participant the engine has seen and whether it
	// is still connected.
	Sessions() []SessionState
	// OnDataChange registers a callback invoked after every committed
	// mutation. At most one callback is registered per engine.
	OnDataChange(fn func())
}
