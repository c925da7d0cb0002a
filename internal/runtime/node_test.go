package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"distributed-chat-cluster/internal/cluster"
	"distributed-chat-cluster/internal/config"
	"distributed-chat-cluster/internal/wire"
)

func TestHandleRequestDispatchesAndReplies(t *testing.T) {
	n, _ := newTestNode(t, 1)

	req, err := wire.Marshal(map[string]any{
		"service": "login",
		"data":    map[string]any{"user": "alice"},
	})
	require.NoError(t, err)

	reply := n.handleRequest(req)

	var out map[string]any
	require.NoError(t, wire.Unmarshal(reply, &out))
	require.Equal(t, true, out["success"])
}

func TestHandleRequestStartsBerkeleyRoundWhenCoordinatorAndDue(t *testing.T) {
	n, proxy := newTestNode(t, 1) // rank 1 starts as Leader
	require.True(t, n.election.IsCoordinator())

	req, err := wire.Marshal(map[string]any{
		"service": "login",
		"data":    map[string]any{"user": "alice"},
	})
	require.NoError(t, err)

	// berkeleySyncThreshold is 10 client requests before a round is due.
	for i := 0; i < 10; i++ {
		n.handleRequest(req)
	}
	require.True(t, n.berkeleyRoundOpen)

	<-proxy.envs // replication frame from the first login, which created alice

	select {
	case env := <-proxy.envs:
		msg, err := cluster.DecodeServersMessage(env.Payload)
		require.NoError(t, err)
		require.Equal(t, cluster.ServiceClockSync, msg.Service)
	case <-time.After(time.Second):
		t.Fatal("expected a clock-sync request frame on the servers topic")
	}
}

func TestHandleReplicationFrameAppliesRemoteLogin(t *testing.T) {
	n, _ := newTestNode(t, 1)

	ev := cluster.ReplicationEvent{Operation: cluster.OpLogin, Source: "node-b", User: "bob"}
	payload, err := wire.Marshal(ev)
	require.NoError(t, err)

	n.handleReplicationFrame(wire.Envelope{Topic: "replication", Payload: payload})

	require.True(t, n.store.HasUser("bob"))
}

func TestHandleReplicationFrameIgnoresMalformedPayload(t *testing.T) {
	n, _ := newTestNode(t, 1)
	n.handleReplicationFrame(wire.Envelope{Topic: "replication", Payload: []byte("not msgpack")})
	// must not panic; nothing to assert beyond survival
}

func TestHandleServersFrameRoutesElectionMessage(t *testing.T) {
	n, _ := newTestNode(t, 2) // follower, so an announcement from another node sets its coordinator
	msg := cluster.ServersMessage{
		Service: cluster.ServiceElection,
		Election: &cluster.ElectionMessage{
			Kind: cluster.KindAnnouncement, Coordinator: "node-z", Clock: 5,
		},
	}
	payload, err := wire.Marshal(msg)
	require.NoError(t, err)

	n.handleServersFrame(wire.Envelope{Topic: "servers", Payload: payload})

	require.Equal(t, "node-z", n.election.Coordinator())
}

func TestHandleServersFrameRoutesClockSyncMessage(t *testing.T) {
	n, _ := newTestNode(t, 1)
	msg := cluster.ServersMessage{
		Service: cluster.ServiceClockSync,
		ClockSync: &cluster.ClockSyncMessage{
			Type: cluster.ClockSyncAdjust, From: "leader", To: "node-a", Offset: 2.5, Clock: 3,
		},
	}
	payload, err := wire.Marshal(msg)
	require.NoError(t, err)

	before := n.physical.Offset()
	n.handleServersFrame(wire.Envelope{Topic: "servers", Payload: payload})
	require.NotEqual(t, before, n.physical.Offset())
}

func TestEvaluateTimersEmitsHeartbeatWhenCoordinator(t *testing.T) {
	n, proxy := newTestNode(t, 1)
	require.True(t, n.election.IsCoordinator())

	n.evaluateTimers()

	select {
	case env := <-proxy.envs:
		msg, err := cluster.DecodeServersMessage(env.Payload)
		require.NoError(t, err)
		require.Equal(t, cluster.ServiceElection, msg.Service)
		require.Equal(t, cluster.KindHeartbeat, msg.Election.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a heartbeat frame from the coordinator")
	}
}

func TestRegisterWithReferenceServerFallsBackWhenUnconfigured(t *testing.T) {
	n := &Node{cfg: config.Config{ServerName: "node-a"}}
	rank := n.registerWithReferenceServer()
	require.Equal(t, 999, rank)
}
