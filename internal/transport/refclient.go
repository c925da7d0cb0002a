package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"distributed-chat-cluster/internal/wire"
)

// refReceiveTimeout bounds every reference-server round trip, per spec §4.1
// ("the bounded REQ to the reference server, which uses a 5s receive
// deadline") and §4.6.
const refReceiveTimeout = 5 * time.Second

// RefClient is the node's REQ-ref endpoint: a bounded request/reply helper
// talking to the external reference server.
type RefClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// DialRefClient connects to the reference server at addr.
func DialRefClient(addr string) (*RefClient, error) {
	conn, _, err := dialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial ref server: %w", err)
	}
	return &RefClient{conn: conn}, nil
}

// Call sends req and waits up to refReceiveTimeout for a reply. Callers are
// responsible for interpreting timeouts as "transient peer failure" per
// spec §7 — e.g. falling back to rank 999 at startup, or continuing with a
// stale servers map mid-run.
func (c *RefClient) Call(req map[string]any) (map[string]any, error) {
	data, err := wire.Marshal(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(refReceiveTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return nil, fmt.Errorf("transport: ref call write: %w", err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(refReceiveTimeout))
	_, resp, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("transport: ref call read: %w", err)
	}

	var out map[string]any
	if err := wire.Unmarshal(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close tears down the connection to the reference server.
func (c *RefClient) Close() error {
	return c.conn.Close()
}
