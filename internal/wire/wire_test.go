package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalRoundTrip(t *testing.T) {
	in := map[string]any{
		"service": "login",
		"data": map[string]any{
			"user":      "alice",
			"clock":     uint64(1),
			"timestamp": 1234.5,
		},
	}

	data, err := Marshal(in)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, Unmarshal(data, &out))
	require.Equal(t, "login", out["service"])
}

func TestEnvelopeRoundTrip(t *testing.T) {
	payload, err := Marshal(map[string]any{"hello": "world"})
	require.NoError(t, err)

	data, err := MarshalEnvelope(Envelope{Topic: "replication", Payload: payload})
	require.NoError(t, err)

	env, err := UnmarshalEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, "replication", env.Topic)

	var decoded map[string]any
	require.NoError(t, Unmarshal(env.Payload, &decoded))
	require.Equal(t, "world", decoded["hello"])
}
