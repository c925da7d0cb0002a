// Package service implements the nine client-facing services spec §4.2
// names, dispatched from the node's REQ-in socket.
package service

import "distributed-chat-cluster/internal/wire"

// Name identifies one of the nine services a REQ-in frame can request.
type Name string

const (
	Login           Name = "login"
	Users           Name = "users"
	Channel         Name = "channel"
	Channels        Name = "channels"
	Publish         Name = "publish"
	Message         Name = "message"
	HistoryMessages Name = "history_messages"
	HistoryChannel  Name = "history_channel"
	Sync            Name = "sync"
)

// Request is the node's typed view of one REQ-in frame — spec §6's
// {service, data} envelope, with data's fields lifted to the top level
// and typed. This replaces the source's dynamic string-keyed field access
// with the tagged-variant shape spec §9 asks for: Dispatcher.Handle switches
// exhaustively on Service rather than doing a lookup into a handler
// table, with each arm only reading the fields it needs.
type Request struct {
	Service   Name
	Clock     uint64
	Timestamp float64

	User    string
	Channel string
	Message string
	From    string
	To      string
}

type wireRequest struct {
	Service Name           `codec:"service"`
	Data    map[string]any `codec:"data"`
}

// DecodeRequest unmarshals a REQ-in frame. Unknown or missing data fields
// decode to their zero value rather than an error — validation of which
// fields a given service actually requires happens in the matching
// handler, not here.
func DecodeRequest(payload []byte) (Request, error) {
	var wr wireRequest
	if err := wire.Unmarshal(payload, &wr); err != nil {
		return Request{}, err
	}

	req := Request{Service: wr.Service}
	req.Clock = toUint64(wr.Data["clock"])
	req.Timestamp = toFloat64(wr.Data["timestamp"])
	req.User, _ = wr.Data["user"].(string)
	req.Channel, _ = wr.Data["channel"].(string)
	req.Message, _ = wr.Data["message"].(string)
	req.From, _ = wr.Data["from"].(string)
	req.To, _ = wr.Data["to"].(string)
	return req, nil
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		return uint64(n)
	case float64:
		return uint64(n)
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return 0
	}
}
