package cluster

import (
	"sync"
	"time"

	"distributed-chat-cluster/internal/clock"
	"distributed-chat-cluster/internal/transport"
)

const (
	berkeleySyncThreshold = 10
	berkeleyWaitWindow    = 2 * time.Second
)

// ClockSyncType names the three Berkeley message shapes spec §4.5
// defines.
type ClockSyncType string

const (
	ClockSyncRequest  ClockSyncType = "request"
	ClockSyncResponse ClockSyncType = "response"
	ClockSyncAdjust   ClockSyncType = "adjust"
)

// ClockSyncMessage is the wire shape of every Berkeley message. To is
// populated on response/adjust so a unicast-over-broadcast delivery can
// be addressed to a specific peer; the base spec's minimal schema omits
// it, but per-peer offsets (the decision in SPEC_FULL.md §4.1) require
// some way to tell peers apart.
type ClockSyncMessage struct {
	Type      ClockSyncType `codec:"type"`
	From      string        `codec:"from"`
	To        string        `codec:"to,omitempty"`
	Time      float64       `codec:"time,omitempty"`
	Offset    float64       `codec:"offset,omitempty"`
	Clock     uint64        `codec:"clock"`
	Timestamp float64       `codec:"timestamp"`
}

// BerkeleySync implements spec §4.5: every 10 client requests processed
// by the leader, it polls peers' physical clocks and instructs each to
// adjust by a computed offset.
type BerkeleySync struct {
	mu sync.Mutex

	selfName  string
	publisher *transport.Publisher
	physical  *clock.Physical

	messageCount         int
	lastSyncMessageCount int

	collecting bool
	roundStart time.Time
	pending    map[string]float64 // peer name -> reported physical time

	nowFn func() time.Time
}

// NewBerkeleySync builds a BerkeleySync bound to the node's own physical
// clock (mutated only here, via HandleAdjust, per spec §4.5's invariant).
func NewBerkeleySync(selfName string, pub *transport.Publisher, physical *clock.Physical) *BerkeleySync {
	return &BerkeleySync{
		selfName:  selfName,
		publisher: pub,
		physical:  physical,
		pending:   make(map[string]float64),
		nowFn:     time.Now,
	}
}

// RecordRequest tallies one handled client request, feeding Due()'s
// threshold check.
func (b *BerkeleySync) RecordRequest() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messageCount++
}

// Due reports whether message_count - last_sync_message_count has
// reached the spec §4.1 threshold of 10 — the event loop calls this only
// when IsCoordinator() is also true.
func (b *BerkeleySync) Due() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.collecting && b.messageCount-b.lastSyncMessageCount >= berkeleySyncThreshold
}

// StartRound emits a clock_sync request and opens a 2s collection window
// — spec §4.5 steps 1-2.
func (b *BerkeleySync) StartRound(clockVal uint64) error {
	b.mu.Lock()
	b.collecting = true
	b.roundStart = b.nowFn()
	b.pending = make(map[string]float64)
	b.lastSyncMessageCount = b.messageCount
	b.mu.Unlock()

	now := physicalSeconds(b.physical.Now())
	msg := ClockSyncMessage{Type: ClockSyncRequest, From: b.selfName, Clock: clockVal, Timestamp: now}
	return publishServers(b.publisher, ServersMessage{Service: ServiceClockSync, ClockSync: &msg})
}

// WindowElapsed reports whether the 2s collection window has passed
// since StartRound.
func (b *BerkeleySync) WindowElapsed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.collecting && b.nowFn().Sub(b.roundStart) >= berkeleyWaitWindow
}

// HandleRequest answers an inbound clock_sync request with this node's
// own physical time — spec §4.5, "peers respond to request with
// clock_sync {type:response, from, time=get_physical_time(), ...}".
func (b *BerkeleySync) HandleRequest(msg ClockSyncMessage, clockVal uint64) error {
	now := physicalSeconds(b.physical.Now())
	resp := ClockSyncMessage{Type: ClockSyncResponse, From: b.selfName, To: msg.From, Time: now, Clock: clockVal, Timestamp: now}
	return publishServers(b.publisher, ServersMessage{Service: ServiceClockSync, ClockSync: &resp})
}

// HandleResponse records a peer's reported physical time if a collection
// window is currently open; responses outside a window are dropped —
// spec §4.5's acknowledged simplification that this does not block the
// poll loop.
func (b *BerkeleySync) HandleResponse(msg ClockSyncMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.collecting {
		return
	}
	b.pending[msg.From] = msg.Time
}

// FinishRound closes the collection window, computes a per-peer offset
// against this node's own adjusted time as the target, and emits one
// adjust message per peer that responded — the open-question decision
// recorded in SPEC_FULL.md §4.1.
func (b *BerkeleySync) FinishRound(clockVal uint64) ([]ClockSyncMessage, error) {
	b.mu.Lock()
	b.collecting = false
	leaderTime := physicalSeconds(b.physical.Now())
	responses := make(map[string]float64, len(b.pending))
	for k, v := range b.pending {
		responses[k] = v
	}
	b.pending = make(map[string]float64)
	b.mu.Unlock()

	var emitted []ClockSyncMessage
	for peer, peerTime := range responses {
		offset := leaderTime - peerTime
		adjust := ClockSyncMessage{Type: ClockSyncAdjust, From: b.selfName, To: peer, Offset: offset, Clock: clockVal, Timestamp: leaderTime}
		if err := publishServers(b.publisher, ServersMessage{Service: ServiceClockSync, ClockSync: &adjust}); err != nil {
			return emitted, err
		}
		emitted = append(emitted, adjust)
	}
	return emitted, nil
}

// HandleAdjust applies an inbound adjust addressed to this node — spec
// §4.5's invariant, "clock_offset is only written inside
// handle_clock_adjust".
func (b *BerkeleySync) HandleAdjust(msg ClockSyncMessage) {
	if msg.To != b.selfName {
		return
	}
	b.physical.Adjust(time.Duration(msg.Offset * float64(time.Second)))
}

func physicalSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
