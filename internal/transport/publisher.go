package transport

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"distributed-chat-cluster/internal/wire"
)

// Publisher is the node's PUB-out endpoint: a single connection to the
// pub/sub proxy's XSUB-equivalent side, used for replication, channel
// publications, private messages, and election/clock-sync traffic alike.
//
// spec §5 notes PUB-out is the only multiplexed producer in the system and
// that this is safe only because all sends are serialized by the single
// event-loop thread; the mutex here is defense in depth, not a substitute
// for that design.
type Publisher struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// DialPublisher connects to the proxy at addr.
func DialPublisher(addr string) (*Publisher, error) {
	conn, _, err := dialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial publisher: %w", err)
	}
	return &Publisher{conn: conn}, nil
}

// Publish sends payload addressed to topic.
func (p *Publisher) Publish(topic string, payload []byte) error {
	data, err := wire.MarshalEnvelope(wire.Envelope{Topic: topic, Payload: payload})
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("transport: publish %s: %w", topic, err)
	}
	return nil
}

// Close tears down the connection to the proxy.
func (p *Publisher) Close() error {
	return p.conn.Close()
}
