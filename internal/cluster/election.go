package cluster

import (
	"sync"
	"time"

	"distributed-chat-cluster/internal/transport"
)

// State is one of the three Bully states a node can be in — spec §4.4's
// state-machine table, modeled as an enum rather than string-typed status
// per spec §9's re-architecture guidance.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

const (
	heartbeatInterval    = 5 * time.Second
	heartbeatTimeout     = 15 * time.Second
	electionResolveAfter = 3 * time.Second
)

// ElectionKind names the four Bully message shapes spec §4.4 defines.
type ElectionKind string

const (
	KindHeartbeat    ElectionKind = "heartbeat"
	KindElection     ElectionKind = "election"
	KindElectionOK   ElectionKind = "election_ok"
	KindAnnouncement ElectionKind = "coordinator_announcement"
)

// ElectionMessage is the wire shape of every Bully message. Unused fields
// for a given Kind are left zero.
type ElectionMessage struct {
	Kind        ElectionKind `codec:"kind"`
	Coordinator string       `codec:"coordinator,omitempty"`
	Rank        int          `codec:"rank,omitempty"`
	From        string       `codec:"from,omitempty"`
	To          string       `codec:"to,omitempty"`
	FromRank    int          `codec:"from_rank,omitempty"`
	Clock       uint64       `codec:"clock"`
	Timestamp   float64      `codec:"timestamp"`
}

// Election runs the modified Bully algorithm of spec §4.4 — smaller rank
// wins — as a small state machine driven by the caller's event loop
// rather than its own goroutine: every method that may publish takes the
// current logical clock and physical timestamp as explicit arguments and
// returns only an error, leaving the caller (internal/runtime) in sole
// charge of scheduling and of advancing the shared Lamport clock.
type Election struct {
	mu sync.Mutex

	selfName string
	selfRank int

	membership *Membership
	publisher  *transport.Publisher
	refresh    func() ([]ServerInfo, error)

	state                    State
	coordinator              string
	electionInProgress       bool
	electionStartTime        time.Time
	electionResponses        map[string]struct{}
	lastCoordinatorHeartbeat time.Time
	lastHeartbeatEmitted     time.Time

	nowFn func() time.Time
}

// NewElection builds an Election for a node with the given name/rank. A
// node whose rank is 1 enters Leader immediately — spec §4.4's "Startup
// shortcut". refresh pulls a fresh {name, rank} list from the reference
// server (spec §4.4 step 2); it may be nil in tests that seed Membership
// directly.
func NewElection(selfName string, selfRank int, membership *Membership, pub *transport.Publisher, refresh func() ([]ServerInfo, error)) *Election {
	e := &Election{
		selfName:          selfName,
		selfRank:          selfRank,
		membership:        membership,
		publisher:         pub,
		refresh:           refresh,
		electionResponses: make(map[string]struct{}),
		nowFn:             time.Now,
	}
	if selfRank == 1 {
		e.state = Leader
		e.coordinator = selfName
	} else {
		e.state = Follower
	}
	e.lastCoordinatorHeartbeat = e.nowFn()
	return e
}

// State returns the node's current Bully state.
func (e *Election) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Coordinator returns the name this node currently believes is leader,
// or "" if none.
func (e *Election) Coordinator() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coordinator
}

// IsCoordinator reports whether this node is Leader — spec invariant 4,
// "a node emits heartbeats iff it believes itself the coordinator".
func (e *Election) IsCoordinator() bool {
	return e.State() == Leader
}

// HeartbeatTimedOut reports whether this node, as a non-coordinator, has
// gone longer than heartbeatTimeout without hearing from the coordinator
// — spec §4.4's failure-detection trigger for start_election.
func (e *Election) HeartbeatTimedOut() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Leader {
		return false
	}
	return e.nowFn().Sub(e.lastCoordinatorHeartbeat) > heartbeatTimeout
}

// StartElection implements spec §4.4's start_election procedure.
func (e *Election) StartElection(clockVal uint64, timestamp float64) error {
	e.mu.Lock()
	if e.electionInProgress {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if e.refresh != nil {
		if servers, err := e.refresh(); err == nil {
			e.membership.Refresh(servers)
		}
		// spec §7: reference-server failure mid-run during list() is
		// logged by the caller and the election proceeds with a stale
		// servers map — not treated as fatal here.
	}

	higher := e.membership.HigherPriorityThan(e.selfName, e.selfRank)

	e.mu.Lock()
	e.state = Candidate
	e.mu.Unlock()

	if len(higher) == 0 {
		return e.becomeCoordinator(clockVal, timestamp)
	}

	e.mu.Lock()
	e.electionInProgress = true
	e.electionStartTime = e.nowFn()
	e.electionResponses = make(map[string]struct{})
	e.mu.Unlock()

	for _, peer := range higher {
		msg := ElectionMessage{Kind: KindElection, From: e.selfName, FromRank: e.selfRank, Clock: clockVal, Timestamp: timestamp}
		if err := e.publish(msg); err != nil {
			return err
		}
	}
	return nil
}

// HandleElection processes an inbound `election` message. If this node
// outranks the sender it answers election_ok and cascades its own
// election upward, per spec §4.4.
func (e *Election) HandleElection(msg ElectionMessage, clockVal uint64, timestamp float64) error {
	if msg.From == e.selfName {
		return nil
	}
	if e.selfRank >= msg.FromRank {
		return nil // only a strictly lower rank answers
	}

	ok := ElectionMessage{Kind: KindElectionOK, From: e.selfName, To: msg.From, Rank: e.selfRank, Clock: clockVal, Timestamp: timestamp}
	if err := e.publish(ok); err != nil {
		return err
	}
	return e.StartElection(clockVal, timestamp)
}

// HandleElectionOK records a confirmation that a higher-priority node is
// alive, which disqualifies this node from becoming coordinator this
// round.
func (e *Election) HandleElectionOK(msg ElectionMessage) {
	if msg.To != e.selfName {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.electionResponses[msg.From] = struct{}{}
}

// HandleHeartbeat processes an inbound heartbeat, resetting the failure
// detector and recording the sender as coordinator. A Leader hearing a
// heartbeat naming someone else steps down to Follower (state-machine
// table, spec §4.4).
func (e *Election) HandleHeartbeat(msg ElectionMessage) {
	e.observeCoordinator(msg.Coordinator)
}

// HandleAnnouncement processes an inbound coordinator_announcement
// identically to a heartbeat.
func (e *Election) HandleAnnouncement(msg ElectionMessage) {
	e.observeCoordinator(msg.Coordinator)
}

func (e *Election) observeCoordinator(coordinator string) {
	if coordinator == e.selfName {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastCoordinatorHeartbeat = e.nowFn()
	e.coordinator = coordinator
	e.state = Follower
	e.electionInProgress = false
}

// CheckElectionResolution implements spec §4.4's election resolution
// timer: once electionResolveAfter has elapsed since StartElection, a
// node with no election_ok responses becomes coordinator; one with at
// least one response simply clears electionInProgress and waits for a
// coordinator_announcement.
func (e *Election) CheckElectionResolution(clockVal uint64, timestamp float64) error {
	e.mu.Lock()
	if !e.electionInProgress {
		e.mu.Unlock()
		return nil
	}
	if e.nowFn().Sub(e.electionStartTime) < electionResolveAfter {
		e.mu.Unlock()
		return nil
	}
	hasResponses := len(e.electionResponses) > 0
	e.electionInProgress = false
	e.mu.Unlock()

	if hasResponses {
		return nil
	}
	return e.becomeCoordinator(clockVal, timestamp)
}

func (e *Election) becomeCoordinator(clockVal uint64, timestamp float64) error {
	e.mu.Lock()
	e.state = Leader
	e.coordinator = e.selfName
	e.electionInProgress = false
	e.lastHeartbeatEmitted = e.nowFn()
	e.mu.Unlock()

	msg := ElectionMessage{Kind: KindAnnouncement, Coordinator: e.selfName, Rank: e.selfRank, Clock: clockVal, Timestamp: timestamp}
	return e.publish(msg)
}

// MaybeEmitHeartbeat emits a heartbeat if this node is Leader and
// heartbeatInterval has elapsed since the last one — spec §4.4's 5s
// heartbeat emit timer.
func (e *Election) MaybeEmitHeartbeat(clockVal uint64, timestamp float64) error {
	e.mu.Lock()
	if e.state != Leader {
		e.mu.Unlock()
		return nil
	}
	if e.nowFn().Sub(e.lastHeartbeatEmitted) < heartbeatInterval {
		e.mu.Unlock()
		return nil
	}
	e.lastHeartbeatEmitted = e.nowFn()
	e.mu.Unlock()

	msg := ElectionMessage{Kind: KindHeartbeat, Coordinator: e.selfName, Rank: e.selfRank, Clock: clockVal, Timestamp: timestamp}
	return e.publish(msg)
}

func (e *Election) publish(msg ElectionMessage) error {
	return publishServers(e.publisher, ServersMessage{Service: ServiceElection, Election: &msg})
}
