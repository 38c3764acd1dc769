package engine

import "github.com/gorilla/websocket"

// Record kinds understood by the page-management surface. The engine itself
// treats kinds as opaque; any other kind flows through untouched.
const (
	KindPage  = "page"
	KindAsset = "asset"
	KindShape = "shape"
)

// Record is one typed document record keyed by a stable identifier. Records
// of kind "page" are ordered via OrderKey; every other record attaches to a
// page through its parent chain.
type Record struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	ParentID string         `json:"parentId,omitempty"`
	Name     string         `json:"name,omitempty"`
	OrderKey string         `json:"orderKey,omitempty"`
	Props    map[string]any `json:"props,omitempty"`
}

// Clone returns a deep-enough copy: Props maps are copied one level deep.
func (r Record) Clone() Record {
	if r.Props != nil {
		props := make(map[string]any, len(r.Props))
		for k, v := range r.Props {
			props[k] = v
		}
		r.Props = props
	}
	return r
}

// Schema is the document schema descriptor carried alongside snapshots.
type Schema map[string]any

// Snapshot is the engine's serialisable state: a logical clock, the record
// list in arrival order, and an optional schema descriptor.
type Snapshot struct {
	Clock     int64    `json:"clock"`
	Documents []Record `json:"documents"`
	Schema    Schema   `json:"schema,omitempty"`
}

// EmptySnapshot is the state of a room that has never been persisted.
func EmptySnapshot() Snapshot {
	return Snapshot{Clock: 0}
}

// SessionState reports one participant's liveness.
type SessionState struct {
	SessionID   string `json:"sessionId"`
	IsConnected bool   `json:"isConnected"`
}

// SocketConnectOptions carries everything needed to attach a participant.
type SocketConnectOptions struct {
	SessionID  string
	Conn       *websocket.Conn
	IsReadonly bool
}
