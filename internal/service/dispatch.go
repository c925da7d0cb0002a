package service

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"distributed-chat-cluster/internal/chaterr"
	"distributed-chat-cluster/internal/clock"
	"distributed-chat-cluster/internal/cluster"
	"distributed-chat-cluster/internal/store"
	"distributed-chat-cluster/internal/transport"
	"distributed-chat-cluster/internal/wire"
)

// Dispatcher implements the nine services of spec §4.2, threading every
// mutation through the fixed ordering the spec pins: clock update ->
// mutate -> persist -> replicate -> topic publish -> reply. Each outbound
// artifact (a replication event, a topic publish, the reply itself) gets
// its own logical clock tick, since each is a distinct outbound event
// under spec §5's "logical clock strictly increases on every outbound or
// stored event".
type Dispatcher struct {
	selfName   string
	store      *store.Store
	logical    *clock.Logical
	physical   *clock.Physical
	replicator *cluster.Replicator
	publisher  *transport.Publisher
	berkeley   *cluster.BerkeleySync
}

// NewDispatcher wires a Dispatcher to the node's shared state. berkeley
// may be nil in tests that don't care about the sync-threshold counter.
func NewDispatcher(selfName string, s *store.Store, logical *clock.Logical, physical *clock.Physical, rep *cluster.Replicator, pub *transport.Publisher, berkeley *cluster.BerkeleySync) *Dispatcher {
	return &Dispatcher{
		selfName:   selfName,
		store:      s,
		logical:    logical,
		physical:   physical,
		replicator: rep,
		publisher:  pub,
		berkeley:   berkeley,
	}
}

// Handle decodes payload, dispatches it to the matching service, and
// always returns a non-nil reply frame ready to send back on REQ-in —
// the dispatcher never panics or drops a request silently.
func (d *Dispatcher) Handle(payload []byte) []byte {
	if d.berkeley != nil {
		defer d.berkeley.RecordRequest()
	}

	req, err := DecodeRequest(payload)
	if err != nil {
		return d.protocolError(chaterr.ErrUnknownService.Error())
	}

	d.logical.Observe(req.Clock)

	switch req.Service {
	case Login:
		return d.handleLogin(req)
	case Users:
		return d.handleUsers(req)
	case Channel:
		return d.handleChannel(req)
	case Channels:
		return d.handleChannels(req)
	case Publish:
		return d.handlePublish(req)
	case Message:
		return d.handleMessage(req)
	case HistoryMessages:
		return d.handleHistoryMessages(req)
	case HistoryChannel:
		return d.handleHistoryChannel(req)
	case Sync:
		return d.handleSync(req)
	default:
		return d.protocolError(fmt.Sprintf("%s: %s", chaterr.ErrUnknownService.Error(), req.Service))
	}
}

func (d *Dispatcher) handleLogin(req Request) []byte {
	created, err := d.store.Login(req.User)
	if err != nil {
		return d.domainFailure(err.Error())
	}
	d.persist()
	// Re-registering an existing user is success (spec §4.2) but only a
	// genuinely new user is worth telling peers about.
	if created {
		d.publishReplication(cluster.OpLogin, cluster.ReplicationEvent{User: req.User})
	}
	return d.domainSuccess(fmt.Sprintf("Usuário %s logado", req.User))
}

func (d *Dispatcher) handleUsers(req Request) []byte {
	users := d.store.Users()
	sort.Strings(users)
	return d.queryReply(map[string]any{"users": users})
}

func (d *Dispatcher) handleChannel(req Request) []byte {
	ts := d.physicalTimestamp()
	logicalTS := d.logical.Value()

	if err := d.store.CreateChannel(req.Channel, req.User, ts, logicalTS); err != nil {
		if errors.Is(err, chaterr.ErrChannelExists) {
			return d.domainFailure("Canal já existe")
		}
		return d.domainFailure(err.Error())
	}
	d.persist()
	d.publishReplication(cluster.OpChannelCreate, cluster.ReplicationEvent{
		Channel:     req.Channel,
		Creator:     req.User,
		Subscribers: []string{req.User},
	})
	return d.domainSuccess(fmt.Sprintf("Canal %s criado", req.Channel))
}

func (d *Dispatcher) handleChannels(req Request) []byte {
	channels := d.store.Channels()
	sort.Slice(channels, func(i, j int) bool { return channels[i].Name < channels[j].Name })

	out := make([]map[string]any, 0, len(channels))
	for _, ch := range channels {
		out = append(out, map[string]any{
			"name":        ch.Name,
			"creator":     ch.Creator,
			"subscribers": ch.Subscribers,
			"timestamp":   ch.CreatedAtPhysical,
			"clock":       ch.CreatedAtLogical,
		})
	}
	return d.queryReply(map[string]any{"channels": out})
}

func (d *Dispatcher) handlePublish(req Request) []byte {
	ts := d.physicalTimestamp()
	logicalTS := d.logical.Value()

	if err := d.store.AddPublication(req.User, req.Channel, req.Message, ts, logicalTS); err != nil {
		if errors.Is(err, chaterr.ErrUnknownChannel) {
			return d.domainFailure("Canal não existe")
		}
		return d.domainFailure(err.Error())
	}
	d.persist()
	d.publishReplication(cluster.OpPublish, cluster.ReplicationEvent{User: req.User, Channel: req.Channel, Body: req.Message})
	d.publishTopic(req.Channel, map[string]any{"user": req.User, "channel": req.Channel, "message": req.Message})
	return d.domainSuccess("Publicação realizada")
}

func (d *Dispatcher) handleMessage(req Request) []byte {
	ts := d.physicalTimestamp()
	logicalTS := d.logical.Value()

	if err := d.store.AddMessage(req.From, req.To, req.Message, ts, logicalTS); err != nil {
		if errors.Is(err, chaterr.ErrUnknownUser) {
			return d.domainFailure("Usuário não existe")
		}
		return d.domainFailure(err.Error())
	}
	d.persist()
	d.publishReplication(cluster.OpMessage, cluster.ReplicationEvent{From: req.From, To: req.To, Body: req.Message})
	d.publishTopic("private_"+req.To, map[string]any{"from": req.From, "to": req.To, "message": req.Message})
	return d.domainSuccess("Mensagem enviada")
}

func (d *Dispatcher) handleHistoryMessages(req Request) []byte {
	messages := d.store.MessagesFor(req.User)
	sort.Slice(messages, func(i, j int) bool { return messages[i].PhysicalTS < messages[j].PhysicalTS })

	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		out = append(out, map[string]any{
			"from":      m.From,
			"to":        m.To,
			"message":   m.Body,
			"timestamp": m.PhysicalTS,
			"clock":     m.LogicalTS,
		})
	}
	return d.queryReply(map[string]any{"messages": out})
}

func (d *Dispatcher) handleHistoryChannel(req Request) []byte {
	pubs := d.store.PublicationsFor(req.Channel)
	sort.Slice(pubs, func(i, j int) bool { return pubs[i].PhysicalTS < pubs[j].PhysicalTS })

	out := make([]map[string]any, 0, len(pubs))
	for _, p := range pubs {
		out = append(out, map[string]any{
			"user":      p.User,
			"channel":   p.Channel,
			"message":   p.Body,
			"timestamp": p.PhysicalTS,
			"clock":     p.LogicalTS,
		})
	}
	return d.queryReply(map[string]any{"publications": out})
}

// handleSync answers with a full snapshot, nested under "data" to match
// the same envelope shape the reference-server protocol uses — the
// convention a peer's Replicator.SyncFromPeer expects when it reuses
// RefClient for this call.
func (d *Dispatcher) handleSync(req Request) []byte {
	snap := d.store.Sync()
	payload, err := wire.Marshal(map[string]any{"data": snap, "clock": d.logical.Tick()})
	if err != nil {
		return d.protocolError(err.Error())
	}
	return payload
}

// ─── reply helpers ──────────────────────────────────────────────────────────

func (d *Dispatcher) protocolError(msg string) []byte {
	payload, _ := wire.Marshal(map[string]any{"error": msg})
	return payload
}

func (d *Dispatcher) domainFailure(message string) []byte {
	payload, _ := wire.Marshal(map[string]any{"success": false, "message": message, "clock": d.logical.Tick()})
	return payload
}

func (d *Dispatcher) domainSuccess(message string) []byte {
	payload, _ := wire.Marshal(map[string]any{"success": true, "message": message, "clock": d.logical.Tick()})
	return payload
}

func (d *Dispatcher) queryReply(extra map[string]any) []byte {
	extra["clock"] = d.logical.Tick()
	payload, _ := wire.Marshal(extra)
	return payload
}

// ─── side effects ───────────────────────────────────────────────────────────

func (d *Dispatcher) persist() {
	// spec §7: a persistence failure is logged; in-memory state continues.
	if err := d.store.PersistSnapshot(); err != nil {
		log.Error().Err(err).Str("node", d.selfName).Msg("persist snapshot failed")
	}
}

func (d *Dispatcher) publishReplication(op cluster.ReplicationOp, partial cluster.ReplicationEvent) {
	partial.Operation = op
	partial.Clock = d.logical.Tick()
	partial.Timestamp = d.physicalTimestamp()
	_ = d.replicator.Publish(partial) // spec §4.3: best-effort, no delivery guarantee
}

func (d *Dispatcher) publishTopic(topic string, data map[string]any) {
	data["clock"] = d.logical.Tick()
	data["timestamp"] = d.physicalTimestamp()
	payload, err := wire.Marshal(data)
	if err != nil {
		return
	}
	_ = d.publisher.Publish(topic, payload) // spec §4.1: PUB-out has no delivery guarantee
}

func (d *Dispatcher) physicalTimestamp() float64 {
	return float64(d.physical.Now().UnixNano()) / 1e9
}
