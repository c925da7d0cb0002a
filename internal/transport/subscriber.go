package transport

import (
	"fmt"

	"github.com/gorilla/websocket"
	"distributed-chat-cluster/internal/wire"
)

// Subscriber is a SUB-* endpoint: a connection to the pub/sub proxy's
// XPUB-equivalent side, filtered to a single topic. spec §2 gives each
// node two of these — SUB-replication (topic "replication") and
// SUB-servers (topic "servers").
type Subscriber struct {
	conn  *websocket.Conn
	topic string
}

type subscribeHandshake struct {
	Subscribe string `codec:"subscribe"`
}

// DialSubscriber connects to the proxy at addr and subscribes to topic.
func DialSubscriber(addr, topic string) (*Subscriber, error) {
	conn, _, err := dialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial subscriber(%s): %w", topic, err)
	}

	handshake, err := wire.Marshal(subscribeHandshake{Subscribe: topic})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, handshake); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: subscribe handshake: %w", err)
	}

	return &Subscriber{conn: conn, topic: topic}, nil
}

// Recv blocks for the next frame addressed to this subscriber's topic.
// Frames for other topics (the proxy may fan out more than requested) are
// discarded client-side.
func (s *Subscriber) Recv() (wire.Envelope, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return wire.Envelope{}, fmt.Errorf("transport: subscriber(%s) recv: %w", s.topic, err)
		}

		env, err := wire.UnmarshalEnvelope(data)
		if err != nil {
			continue // malformed frame — drop it, the poll loop keeps going
		}
		if env.Topic != s.topic {
			continue
		}
		return env, nil
	}
}

// Close tears down the subscriber connection.
func (s *Subscriber) Close() error {
	return s.conn.Close()
}
