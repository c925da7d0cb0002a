// Package wire implements the MessagePack framing spec.md §6 requires:
// every socket frame is a msgpack-encoded map, and replication/election/
// pub-sub traffic travels as two logical frames, [topic, payload].
//
// The codec is github.com/ugorji/go/codec's MsgpackHandle — already present
// transitively through gin's binding package in this module's dependency
// graph, promoted here to a direct, explicitly-imported dependency.
package wire

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/ugorji/go/codec"
)

// mpHandle decodes msgpack strings into Go strings and maps into
// map[string]any wherever the target is an untyped interface value.
var mpHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	h.MapType = reflect.TypeOf(map[string]any(nil))
	return h
}()

// Marshal msgpack-encodes v.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, mpHandle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal msgpack-decodes data into v, which must be a pointer.
func Unmarshal(data []byte, v any) error {
	dec := codec.NewDecoderBytes(data, mpHandle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("wire: unmarshal: %w", err)
	}
	return nil
}

// Envelope is one topic-addressed frame: replication, election/heartbeat,
// channel publications, and private messages all travel as an Envelope,
// matching the ZeroMQ two-frame convention [topic_bytes, msgpack_payload]
// from spec §6. Payload is itself a msgpack-encoded map, kept as raw bytes
// here so forwarding code need not know the payload's shape.
type Envelope struct {
	Topic   string `codec:"-"`
	Payload []byte `codec:"-"`
}

// wireEnvelope is the on-the-wire shape of an Envelope — a single msgpack
// map carrying both frames, since a websocket message is already its own
// transport-level frame (unlike raw ZeroMQ multipart).
type wireEnvelope struct {
	Topic   string `codec:"topic"`
	Payload []byte `codec:"payload"`
}

// MarshalEnvelope encodes an Envelope for transmission.
func MarshalEnvelope(e Envelope) ([]byte, error) {
	return Marshal(wireEnvelope{Topic: e.Topic, Payload: e.Payload})
}

// UnmarshalEnvelope decodes bytes produced by MarshalEnvelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := Unmarshal(data, &w); err != nil {
		return Envelope{}, err
	}
	return Envelope{Topic: w.Topic, Payload: w.Payload}, nil
}
