package cluster

import (
	"fmt"
	"math"
	"time"

	"distributed-chat-cluster/internal/store"
	"distributed-chat-cluster/internal/transport"
	"distributed-chat-cluster/internal/wire"
)

// replicationTopic is the single PUB/SUB topic every node publishes
// mutations to and subscribes its SUB-replication socket against — spec
// §4.3, "a multi-frame PUB [topic=\"replication\", payload]".
const replicationTopic = "replication"

// ReplicationOp names the four mutation kinds spec §4.3 enumerates.
type ReplicationOp string

const (
	OpLogin         ReplicationOp = "login"
	OpChannelCreate ReplicationOp = "channel_create"
	OpPublish       ReplicationOp = "publish"
	OpMessage       ReplicationOp = "message"
)

// ReplicationEvent is the payload of every replication frame. Fields
// unused by a given Operation are left zero — a tagged variant would
// need one struct per operation, but all four share enough fields
// (source/clock/timestamp) that one flat struct, validated per-operation
// on apply, matches the teacher's preference for simple wire structs.
type ReplicationEvent struct {
	Operation   ReplicationOp `codec:"operation"`
	Source      string        `codec:"source"`
	Clock       uint64        `codec:"clock"`
	Timestamp   float64       `codec:"timestamp"`
	User        string        `codec:"user,omitempty"`
	Channel     string        `codec:"channel,omitempty"`
	Creator     string        `codec:"creator,omitempty"`
	Subscribers []string      `codec:"subscribers,omitempty"`
	From        string        `codec:"from,omitempty"`
	To          string        `codec:"to,omitempty"`
	Body        string        `codec:"body,omitempty"`
}

// Replicator fans local mutations out over PUB-out and applies inbound
// SUB-replication frames to the local store — spec §4.3's best-effort,
// pub/sub fan-out replication, replacing the teacher's synchronous N/W/R
// quorum Replicator entirely (see SPEC_FULL.md §2.8).
type Replicator struct {
	selfName  string
	store     *store.Store
	publisher *transport.Publisher
}

// NewReplicator builds a Replicator bound to the node's own PUB-out
// connection.
func NewReplicator(selfName string, s *store.Store, pub *transport.Publisher) *Replicator {
	return &Replicator{selfName: selfName, store: s, publisher: pub}
}

// Publish emits ev on the replication topic, stamping Source with this
// node's name so receivers can drop it on origin-loopback (spec §4.3).
// Callers invoke this only after the mutation has already been applied
// and persisted locally — spec §4.2's fixed ordering.
func (r *Replicator) Publish(ev ReplicationEvent) error {
	ev.Source = r.selfName
	payload, err := wire.Marshal(ev)
	if err != nil {
		return fmt.Errorf("cluster: marshal replication event: %w", err)
	}
	return r.publisher.Publish(replicationTopic, payload)
}

// Apply handles one inbound SUB-replication frame: it drops
// origin-loopback events (invariant 3) and otherwise applies the
// operation idempotently against the store. The returned bool reports
// whether the store actually changed, for metrics/logging.
func (r *Replicator) Apply(payload []byte) (applied bool, ev ReplicationEvent, err error) {
	if err := wire.Unmarshal(payload, &ev); err != nil {
		return false, ev, fmt.Errorf("cluster: decode replication event: %w", err)
	}
	if ev.Source == r.selfName {
		return false, ev, nil // origin loopback — never reapply our own mutation
	}

	switch ev.Operation {
	case OpLogin:
		applied, err = r.store.ApplyLogin(ev.User)
	case OpChannelCreate:
		applied, err = r.store.ApplyChannelCreate(ev.Channel, ev.Creator, ev.Subscribers, ev.Timestamp, ev.Clock)
	case OpPublish:
		applied, err = r.store.ApplyPublication(ev.User, ev.Channel, ev.Body, ev.Timestamp, ev.Clock)
	case OpMessage:
		applied, err = r.store.ApplyMessage(ev.From, ev.To, ev.Body, ev.Timestamp, ev.Clock)
	default:
		return false, ev, fmt.Errorf("cluster: unknown replication operation %q", ev.Operation)
	}
	if err != nil {
		return false, ev, fmt.Errorf("cluster: apply %s from %s: %w", ev.Operation, ev.Source, err)
	}
	return applied, ev, nil
}

// SyncFromPeer requests a full snapshot from the node listening at addr
// (a REQ-in address reachable through the broker) and applies every
// record idempotently into the local store — spec §4.3's "a slow node
// rejoining may pull a full snapshot via the sync service against any
// peer". This is the one synchronous peer call this system makes, so it
// keeps the teacher's exponential-backoff retry idiom from
// sendReplicateRequest rather than the fire-and-forget style of Publish.
func (r *Replicator) SyncFromPeer(addr string) error {
	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))*100) * time.Millisecond
			time.Sleep(delay)
		}
		if err := r.attemptSync(addr); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("cluster: sync from %s after %d attempts: %w", addr, maxRetries, lastErr)
}

func (r *Replicator) attemptSync(addr string) error {
	client, err := transport.DialRefClient(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Call(map[string]any{"service": "sync", "data": map[string]any{}})
	if err != nil {
		return err
	}

	raw, err := wire.Marshal(resp["data"])
	if err != nil {
		return fmt.Errorf("cluster: re-encode sync response: %w", err)
	}
	var snap store.Snapshot
	if err := wire.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("cluster: decode sync snapshot: %w", err)
	}

	for _, u := range snap.Users {
		if _, err := r.store.ApplyLogin(u); err != nil {
			return err
		}
	}
	for _, ch := range snap.Channels {
		if _, err := r.store.ApplyChannelCreate(ch.Name, ch.Creator, ch.Subscribers, ch.CreatedAtPhysical, ch.CreatedAtLogical); err != nil {
			return err
		}
	}
	for _, m := range snap.Messages {
		if _, err := r.store.ApplyMessage(m.From, m.To, m.Body, m.PhysicalTS, m.LogicalTS); err != nil {
			return err
		}
	}
	for _, p := range snap.Publications {
		if _, err := r.store.ApplyPublication(p.User, p.Channel, p.Body, p.PhysicalTS, p.LogicalTS); err != nil {
			return err
		}
	}
	return r.store.PersistSnapshot()
}
