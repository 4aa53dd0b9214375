package envelope_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmctl/swarmctl/internal/envelope"
)

func TestCodec_RoundTrip(t *testing.T) {
	codec, err := envelope.NewCodec([]byte("s3kr1t"))
	require.NoError(t, err)

	header := envelope.NewHeader("msg-1", "apply_request", "session-a", "alice")
	env := &envelope.Envelope{
		RoutingIdentities: []string{"engine-7"},
		Header:            header,
		Metadata:          map[string]any{"after": []string{"msg-0"}},
		Content:           json.RawMessage(`{"fn":"double","args":[21]}`),
		Buffers:           [][]byte{[]byte("raw-bytes")},
	}

	frames, err := codec.Encode(env)
	require.NoError(t, err)

	decoded, err := codec.Decode(frames)
	require.NoError(t, err)

	assert.Equal(t, []string{"engine-7"}, decoded.RoutingIdentities)
	assert.Equal(t, header.MsgID, decoded.Header.MsgID)
	assert.Equal(t, header.MsgType, decoded.Header.MsgType)
	assert.Nil(t, decoded.ParentHeader)
	assert.Equal(t, []any{"msg-0"}, decoded.Metadata["after"])
	assert.JSONEq(t, string(env.Content), string(decoded.Content))
	assert.Equal(t, env.Buffers, decoded.Buffers)
}

func TestCodec_RejectsTamperedSignature(t *testing.T) {
	codec, err := envelope.NewCodec([]byte("s3kr1t"))
	require.NoError(t, err)

	env := &envelope.Envelope{
		Header:  envelope.NewHeader("msg-2", "heartbeat", "session-a", "alice"),
		Content: json.RawMessage(`{}`),
	}
	frames, err := codec.Encode(env)
	require.NoError(t, err)

	tampered := make([]byte, len(frames[len(frames)-1]))
	copy(tampered, frames[len(frames)-1])
	tampered[len(tampered)-2] ^= 0xFF
	frames[len(frames)-1] = tampered

	_, err = codec.Decode(frames)
	assert.Error(t, err)
}

func TestCodec_DifferentKeysDisagree(t *testing.T) {
	a, err := envelope.NewCodec([]byte("key-a"))
	require.NoError(t, err)
	b, err := envelope.NewCodec([]byte("key-b"))
	require.NoError(t, err)

	env := &envelope.Envelope{
		Header:  envelope.NewHeader("msg-3", "execute_request", "session-a", "alice"),
		Content: json.RawMessage(`{}`),
	}
	frames, err := a.Encode(env)
	require.NoError(t, err)

	_, err = b.Decode(frames)
	assert.Error(t, err)
}

func TestFollowSelector_UnmarshalBareArray(t *testing.T) {
	var sub envelope.SchedulerSubheader
	err := json.Unmarshal([]byte(`{"follow":["a","b"]}`), &sub)
	require.NoError(t, err)
	require.NotNil(t, sub.Follow)
	assert.Equal(t, []string{"a", "b"}, sub.Follow.MsgIDs)
	assert.True(t, sub.Follow.All)
	assert.False(t, sub.Follow.SuccessOnly)
}

func TestFollowSelector_UnmarshalExpandedForm(t *testing.T) {
	var sub envelope.SchedulerSubheader
	err := json.Unmarshal([]byte(`{"follow":{"msg_ids":["a"],"all":false,"success_only":true}}`), &sub)
	require.NoError(t, err)
	require.NotNil(t, sub.Follow)
	assert.Equal(t, []string{"a"}, sub.Follow.MsgIDs)
	assert.False(t, sub.Follow.All)
	assert.True(t, sub.Follow.SuccessOnly)
}

func TestCodec_CompressBufferRoundTrip(t *testing.T) {
	codec, err := envelope.NewCodec(nil)
	require.NoError(t, err)

	payload := []byte("the quick brown fox jumps over the lazy dog, repeated: the quick brown fox jumps over the lazy dog")
	compressed := codec.CompressBuffer(payload)
	assert.Less(t, len(compressed), len(payload)+64)

	decompressed, err := codec.DecompressBuffer(compressed)
	require.NoError(t, err)
	assert.Equal(t, payload, decompressed)
}
