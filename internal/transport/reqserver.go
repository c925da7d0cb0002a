// Package transport implements the five logical sockets spec.md §2 assigns
// to a node (REQ-in, PUB-out, SUB-replication, SUB-servers, REQ-ref) on top
// of github.com/gorilla/websocket duplex connections, since no ZeroMQ
// binding exists anywhere in this module's example pack (see DESIGN.md).
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// HandlerFunc processes one request frame and returns the response frame.
// It MUST always return a non-nil response — the REQ/REP contract (spec
// §4.1) requires exactly one reply per request, even on error.
type HandlerFunc func(payload []byte) []byte

// ReqServer is the node's REQ-in endpoint: it accepts the broker's
// connection and answers every frame it receives, in order, on the same
// connection.
type ReqServer struct {
	addr     string
	handle   HandlerFunc
	upgrader websocket.Upgrader
	server   *http.Server
	logger   zerolog.Logger
}

// NewReqServer creates a ReqServer bound to addr. handle is invoked
// synchronously for every inbound frame — callers relying on the
// single-threaded event-loop model (spec §5) should route handle through
// their own dispatch channel rather than mutating state directly from
// here if multiple connections can be open concurrently. logger should
// already carry this node's `node`/`rank` fields (internal/runtime does
// this); this package adds its own `component` field on top.
func NewReqServer(addr string, handle HandlerFunc, logger zerolog.Logger) *ReqServer {
	return &ReqServer{
		addr:   addr,
		handle: handle,
		logger: logger.With().Str("component", "transport.reqserver").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ListenAndServe blocks serving the REQ-in socket until Shutdown is called.
func (s *ReqServer) ListenAndServe() error {
	s.server = &http.Server{Addr: s.addr, Handler: s.Handler()}
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("transport: req-in listen: %w", err)
	}
	return nil
}

// Handler exposes the underlying http.Handler so it can be mounted on a
// test server (httptest.NewServer) without binding a real listen address.
func (s *ReqServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serve)
	return mux
}

// Shutdown gracefully closes the REQ-in listener.
func (s *ReqServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// serve handles one broker connection for its whole lifetime. A fresh
// connection ID tags every log line from this connection, so a broker
// reconnect (after a restart or network blip) is distinguishable in the
// logs from the connection it replaced, even though both serve the same
// REQ-in address.
func (s *ReqServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	connID := uuid.New().String()
	s.logger.Debug().Str("connection", connID).Msg("req-in connection accepted")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}

		resp := s.handle(data)
		if err := conn.WriteMessage(websocket.BinaryMessage, resp); err != nil {
			return
		}
	}
}

// dialTimeout bounds every outbound dial this package performs.
const dialTimeout = 5 * time.Second

// dialer is shared by Publisher, Subscriber, and RefClient so every
// outbound connection this node opens honors the same handshake timeout.
var dialer = &websocket.Dialer{HandshakeTimeout: dialTimeout}
