package cluster

import (
	"distributed-chat-cluster/internal/transport"
	"distributed-chat-cluster/internal/wire"
)

// serversTopic is the single PUB/SUB topic carrying both election traffic
// and Berkeley clock-sync traffic (spec §2's SUB-servers, §4.4/§4.5 "all
// sent on PUB topic servers"). ServersMessage disambiguates the two with a
// Service discriminator, since a tagged variant is preferable to the
// source's dynamic `service` string dispatch (spec §9).
const serversTopic = "servers"

// ServersService names which sub-protocol a ServersMessage carries.
type ServersService string

const (
	ServiceElection  ServersService = "election"
	ServiceClockSync ServersService = "clock_sync"
)

// ServersMessage is the single frame shape published on topic "servers".
// Exactly one of Election/ClockSync is populated, matching Service.
type ServersMessage struct {
	Service   ServersService    `codec:"service"`
	Election  *ElectionMessage  `codec:"election,omitempty"`
	ClockSync *ClockSyncMessage `codec:"clock_sync,omitempty"`
}

// DecodeServersMessage unmarshals one SUB-servers frame. Callers (the
// node's event loop) route the result to Election or BerkeleySync based
// on Service.
func DecodeServersMessage(payload []byte) (ServersMessage, error) {
	var msg ServersMessage
	err := wire.Unmarshal(payload, &msg)
	return msg, err
}

func publishServers(pub *transport.Publisher, msg ServersMessage) error {
	payload, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	return pub.Publish(serversTopic, payload)
}
