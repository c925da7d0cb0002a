package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func wsHandlerFor(t *testing.T, s *ReqServer) http.Handler {
	t.Helper()
	return s.Handler()
}

func TestReqServerRepliesExactlyOncePerRequest(t *testing.T) {
	var received []string

	srv := NewReqServer("", func(payload []byte) []byte {
		received = append(received, string(payload))
		return append([]byte("ack:"), payload...)
	}, zerolog.Nop())

	ts := httptest.NewServer(wsHandlerFor(t, srv))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte(msg)))

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, resp, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, "ack:"+msg, string(resp))
	}

	require.Equal(t, []string{"one", "two", "three"}, received)
}
