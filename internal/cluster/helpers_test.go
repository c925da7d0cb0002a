package cluster

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"distributed-chat-cluster/internal/wire"
	"distributed-chat-cluster/internal/transport"
)

// capturingProxy stands in for the pub/sub proxy in tests that only need
// to observe what a Publisher sent, without a matching Subscriber.
type capturingProxy struct {
	upgrader websocket.Upgrader
	envs     chan wire.Envelope
}

func newCapturingProxy() *capturingProxy {
	return &capturingProxy{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		envs:     make(chan wire.Envelope, 16),
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

// dialTestPublisher starts a capturingProxy and returns a connected
// Publisher plus the proxy for asserting on captured envelopes.
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
