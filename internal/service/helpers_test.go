package service

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"distributed-chat-cluster/internal/clock"
	"distributed-chat-cluster/internal/cluster"
	"distributed-chat-cluster/internal/store"
	"distributed-chat-cluster/internal/transport"
	"distributed-chat-cluster/internal/wire"
)

// capturingProxy stands in for the pub/sub proxy: it accepts a websocket
// connection and records every envelope a Publisher sends it.
type capturingProxy struct {
	upgrader websocket.Upgrader
	envs     chan wire.Envelope
}

func newCapturingProxy() *capturingProxy {
	return &capturingProxy{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		envs:     make(chan wire.Envelope, 32),
	}
}

func (p *capturingProxy) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := wire.UnmarshalEnvelope(data)
			if err != nil {
				continue
			}
			p.envs <- env
		}
	}
}

func dialTestPublisher(t *testing.T) (*transport.Publisher, *capturingProxy) {
	t.Helper()
	proxy := newCapturingProxy()
	ts := httptest.NewServer(proxy.handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	pub, err := transport.DialPublisher(wsURL)
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() })

	return pub, proxy
}

// newTestDispatcher builds a Dispatcher over a fresh temp-dir store and a
// Publisher wired to a capturingProxy, for asserting on replication and
// topic-publish side effects.
func newTestDispatcher(t *testing.T) (*Dispatcher, *capturingProxy) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	pub, proxy := dialTestPublisher(t)
	rep := cluster.NewReplicator("node-a", s, pub)

	var logical clock.Logical
	var physical clock.Physical

	d := NewDispatcher("node-a", s, &logical, &physical, rep, pub, nil)
	return d, proxy
}

func decodeReply(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, wire.Unmarshal(payload, &out))
	return out
}

func encodeRequest(t *testing.T, svc Name, data map[string]any) []byte {
	t.Helper()
	payload, err := wire.Marshal(map[string]any{"service": svc, "data": data})
	require.NoError(t, err)
	return payload
}
