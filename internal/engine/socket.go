package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB

	sendBufferSize = 64
)

const (
	msgSnapshot = "snapshot"
	msgPatch    = "patch"
	msgUpdate   = "update"
)

// patchMessage notifies clients of a committed mutation.
type patchMessage struct {
	Type    string   `json:"type"`
	Clock   int64    `json:"clock"`
	Put     []Record `json:"put,omitempty"`
	Deleted []string `json:"deleted,omitempty"`
}

// snapshotMessage delivers the full state to a newly attached client.
type snapshotMessage struct {
	Type     string   `json:"type"`
	Snapshot Snapshot `json:"snapshot"`
}

// updateMessage is an inbound client mutation.
type updateMessage struct {
	Type    string   `json:"type"`
	Put     []Record `json:"put,omitempty"`
	Deleted []string `json:"deleted,omitempty"`
}

// socketClient is one participant connection with its own write pump, so a
// slow consumer never blocks the engine.
type socketClient struct {
	engine    *MemoryEngine
	sessionID string
	conn      *websocket.Conn
	readonly  bool
	connected bool
	send      chan []byte

	sendMu    sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func newSocketClient(e *MemoryEngine, opts SocketConnectOptions) *socketClient {
	return &socketClient{
		engine:    e,
		sessionID: opts.SessionID,
		conn:      opts.Conn,
		readonly:  opts.IsReadonly,
		connected: true,
		send:      make(chan []byte, sendBufferSize),
	}
}

func (c *socketClient) start(snapshot Snapshot) {
	go c.writeLoop()
	go c.readLoop()
	c.enqueueJSON(snapshotMessage{Type: msgSnapshot, Snapshot: snapshot})
}

func (c *socketClient) enqueueJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.engine.log.Error("engine: encode socket message", zap.Error(err))
		return
	}
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return
	}
	var full bool
	select {
	case c.send <- payload:
	default:
		full = true
	}
	c.sendMu.Unlock()

	if full {
		// Buffer full: the client cannot keep up, drop it.
		c.engine.HandleSocketClose(c.sessionID)
	}
}

func (c *socketClient) close() {
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		c.closed = true
		c.sendMu.Unlock()
		close(c.send)
	})
}

func (c *socketClient) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *socketClient) readLoop() {
	defer c.engine.HandleSocketClose(c.sessionID)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg updateMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.engine.log.Debug("engine: drop malformed socket message", zap.String("session", c.sessionID))
			continue
		}
		if msg.Type != msgUpdate || c.readonly {
			continue
		}

		err = c.engine.UpdateStore(context.Background(), func(tx *Tx) error {
			for _, record := range msg.Put {
				if record.ID == "" {
					continue
				}
				tx.Put(record)
			}
			for _, id := range msg.Deleted {
				tx.Delete(id)
			}
			return nil
		})
		if err != nil {
			c.engine.log.Warn("engine: apply socket update", zap.String("session", c.sessionID), zap.Error(err))
		}
	}
}

// broadcast fans a patch out to every connected client except the one named
// by exclude.
func (e *MemoryEngine) broadcast(patch patchMessage, exclude string) {
	e.mu.Lock()
	targets := make([]*socketClient, 0, len(e.sessions))
	for id, client := range e.sessions {
		if id == exclude || !client.connected {
			continue
		}
		targets = append(targets, client)
	}
	e.mu.Unlock()

	for _, client := range targets {
		client.enqueueJSON(patch)
	}
}
