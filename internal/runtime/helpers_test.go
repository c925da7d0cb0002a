package runtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"distributed-chat-cluster/internal/clock"
	"distributed-chat-cluster/internal/cluster"
	"distributed-chat-cluster/internal/config"
	"distributed-chat-cluster/internal/service"
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

// newTestNode builds a Node by hand (bypassing New, which dials live
// sockets) over a fresh temp-dir store and a Publisher wired to a
// capturingProxy, for asserting on the event-loop handlers directly.
func newTestNode(t *testing.T, rank int) (*Node, *capturingProxy) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	pub, proxy := dialTestPublisher(t)

	var logical clock.Logical
	var physical clock.Physical

	membership := cluster.NewMembership()
	rep := cluster.NewReplicator("node-a", s, pub)
	election := cluster.NewElection("node-a", rank, membership, pub, nil)
	berkeley := cluster.NewBerkeleySync("node-a", pub, &physical)
	dispatcher := service.NewDispatcher("node-a", s, &logical, &physical, rep, pub, berkeley)

	n := &Node{
		cfg:        config.Config{ServerName: "node-a"},
		rank:       rank,
		logger:     zerolog.Nop(),
		store:      s,
		logical:    &logical,
		physical:   &physical,
		membership: membership,
		replicator: rep,
		election:   election,
		berkeley:   berkeley,
		dispatcher: dispatcher,
		publisher:  pub,
	}
	return n, proxy
}
