package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"distributed-chat-cluster/internal/wire"
)

func TestNewElectionRank1EntersLeaderImmediately(t *testing.T) {
	pub, _ := dialTestPublisher(t)
	e := NewElection("a", 1, NewMembership(), pub, nil)

	require.Equal(t, Leader, e.State())
	require.Equal(t, "a", e.Coordinator())
	require.True(t, e.IsCoordinator())
}

func TestStartElectionWithNoHigherPriorityPeerBecomesCoordinator(t *testing.T) {
	pub, proxy := dialTestPublisher(t)
	m := NewMembership()
	m.Refresh([]ServerInfo{{Name: "a", Rank: 1}})
	e := NewElection("a", 1, m, pub, nil)

	// Force it back to Follower so StartElection has something to do.
	e.mu.Lock()
	e.state = Follower
	e.coordinator = ""
	e.mu.Unlock()

	require.NoError(t, e.StartElection(5, 1.0))
	require.Equal(t, Leader, e.State())

	msg := <-proxy.envs
	require.Equal(t, "servers", msg.Topic)
}

func TestStartElectionWithHigherPriorityPeerWaitsForResponses(t *testing.T) {
	pub, proxy := dialTestPublisher(t)
	m := NewMembership()
	m.Refresh([]ServerInfo{{Name: "a", Rank: 2}, {Name: "leader", Rank: 1}})
	e := NewElection("a", 2, m, pub, nil)

	require.NoError(t, e.StartElection(5, 1.0))
	require.Equal(t, Candidate, e.State())

	msg := <-proxy.envs
	require.Equal(t, "servers", msg.Topic)

	// No resolution before the 3s timer fires.
	require.NoError(t, e.CheckElectionResolution(6, 1.1))
	require.Equal(t, Candidate, e.State())
}

func TestHandleElectionCascadesWhenOutranked(t *testing.T) {
	pub, proxy := dialTestPublisher(t)
	m := NewMembership()
	m.Refresh([]ServerInfo{{Name: "a", Rank: 1}, {Name: "b", Rank: 2}})
	e := NewElection("a", 1, m, pub, nil)

	require.NoError(t, e.HandleElection(ElectionMessage{Kind: KindElection, From: "b", FromRank: 2, Clock: 1}, 2, 1.0))

	// Expect an election_ok reply addressed to b, then a's own
	// coordinator_announcement (a already has no higher-priority peer).
	first := <-proxy.envs
	require.Equal(t, "servers", first.Topic)
	var okMsg ServersMessage
	require.NoError(t, wire.Unmarshal(first.Payload, &okMsg))
	require.Equal(t, KindElectionOK, okMsg.Election.Kind)
	require.Equal(t, "b", okMsg.Election.To)

	second := <-proxy.envs
	var announcement ServersMessage
	require.NoError(t, wire.Unmarshal(second.Payload, &announcement))
	require.Equal(t, KindAnnouncement, announcement.Election.Kind)
	require.Equal(t, "a", announcement.Election.Coordinator)
}

func TestHandleElectionIgnoredWhenNotOutranked(t *testing.T) {
	pub, _ := dialTestPublisher(t)
	m := NewMembership()
	e := NewElection("a", 3, m, pub, nil)

	err := e.HandleElection(ElectionMessage{Kind: KindElection, From: "b", FromRank: 2, Clock: 1}, 2, 1.0)
	require.NoError(t, err)
	require.Equal(t, Follower, e.State())
}

func TestHeartbeatTimedOutRespectsInjectedClock(t *testing.T) {
	pub, _ := dialTestPublisher(t)
	e := NewElection("a", 2, NewMembership(), pub, nil)

	base := time.Now()
	e.nowFn = func() time.Time { return base }
	e.mu.Lock()
	e.lastCoordinatorHeartbeat = base
	e.mu.Unlock()

	require.False(t, e.HeartbeatTimedOut())

	e.nowFn = func() time.Time { return base.Add(16 * time.Second) }
	require.True(t, e.HeartbeatTimedOut())
}

func TestHandleHeartbeatResetsFollowerState(t *testing.T) {
	pub, _ := dialTestPublisher(t)
	e := NewElection("a", 2, NewMembership(), pub, nil)

	e.HandleHeartbeat(ElectionMessage{Kind: KindHeartbeat, Coordinator: "leader", Rank: 1})
	require.Equal(t, "leader", e.Coordinator())
	require.Equal(t, Follower, e.State())
}

func TestElectionOKPreventsBecomingCoordinator(t *testing.T) {
	pub, _ := dialTestPublisher(t)
	m := NewMembership()
	m.Refresh([]ServerInfo{{Name: "a", Rank: 2}, {Name: "leader", Rank: 1}})
	e := NewElection("a", 2, m, pub, nil)

	require.NoError(t, e.StartElection(5, 1.0))
	e.HandleElectionOK(ElectionMessage{Kind: KindElectionOK, From: "leader", To: "a"})

	// Force the resolution timer to have elapsed.
	e.mu.Lock()
	e.electionStartTime = time.Now().Add(-4 * time.Second)
	e.mu.Unlock()

	require.NoError(t, e.CheckElectionResolution(6, 1.1))
	require.Equal(t, Candidate, e.State(), "receiving election_ok must not promote this node to coordinator")
}
