package bus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanley2058/lilac/pkg/bus"
)

func TestPayloadRoundTripIsBitIdentical(t *testing.T) {
	// Deterministic encoding means decode-then-reencode reproduces the
	// original bytes for every supported value shape.
	payload := map[string]any{
		"string": "hello",
		"int":    int64(42),
		"neg":    int64(-7),
		"float":  3.25,
		"bool":   true,
		"null":   nil,
		"bytes":  []byte{0x00, 0x01, 0xfe, 0xff},
		"list":   []any{"a", int64(1), false},
		"nested": map[string]any{"k": map[string]any{"deep": "v"}},
		"when":   time.UnixMicro(1718000000123456).UTC(),
	}

	first, err := bus.EncodePayload(payload)
	require.NoError(t, err)

	decoded, err := bus.DecodePayload(first)
	require.NoError(t, err)

	second, err := bus.EncodePayload(decoded)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDecodePayloadPreservesRichTypes(t *testing.T) {
	when := time.UnixMicro(1718000000123456).UTC()
	raw, err := bus.EncodePayload(map[string]any{
		"when":  when,
		"bytes": []byte("raw"),
	})
	require.NoError(t, err)

	decoded, err := bus.DecodePayload(raw)
	require.NoError(t, err)

	m, ok := decoded.(map[string]any)
	require.True(t, ok)

	got, ok := m["when"].(time.Time)
	require.True(t, ok, "instants must decode as time.Time")
	assert.True(t, when.Equal(got))

	b, ok := m["bytes"].([]byte)
	require.True(t, ok, "byte sequences must decode as []byte")
	assert.Equal(t, []byte("raw"), b)
}

func TestDecodePayloadIntoTyped(t *testing.T) {
	type inner struct {
		Role    string `cbor:"role"`
		Content string `cbor:"content"`
	}
	type payload struct {
		Messages []inner `cbor:"messages"`
	}

	in := payload{Messages: []inner{{Role: "user", Content: "hi"}}}
	raw, err := bus.EncodePayload(in)
	require.NoError(t, err)

	var out payload
	require.NoError(t, bus.DecodePayloadInto(raw, &out))
	assert.Equal(t, in, out)
}

func TestHeadersRoundTrip(t *testing.T) {
	h := map[string]string{
		"request_id":     "github:acme/app#42:100",
		"session_id":     "acme/app#42",
		"request_client": "github",
	}
	raw, err := bus.EncodeHeaders(h)
	require.NoError(t, err)

	decoded, err := bus.DecodeHeaders(raw)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestEffectiveBlockClamps(t *testing.T) {
	assert.Equal(t, bus.DefaultBlockTimeout, bus.EffectiveBlock(0))
	assert.Equal(t, 5*time.Second, bus.EffectiveBlock(5*time.Second))
	assert.Equal(t, bus.MaxBlockTimeout, bus.EffectiveBlock(time.Hour))
}
