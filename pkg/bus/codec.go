package bus

import (
	"time"

	"github.com/fxamacker/cbor/v2"
)

// The wire codec is deterministic CBOR: map keys sorted, instants tagged,
// byte strings preserved. Publish-then-fetch recovers payloads
// bit-identically for strings, integers, floats, booleans, nulls, nested
// maps and lists, byte sequences and instants.

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	enc, err := cbor.EncOptions{
		Sort:    cbor.SortCoreDeterministic,
		Time:    cbor.TimeUnixMicro,
		TimeTag: cbor.EncTagRequired,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	encMode = enc

	dec, err := cbor.DecOptions{
		DefaultMapType: nil, // map[interface{}]interface{} keys collapse below
	}.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dec
}

// EncodePayload serializes an arbitrary payload value.
func EncodePayload(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, ErrSerializationFailed(err)
	}
	return data, nil
}

// DecodePayload deserializes a payload into a dynamic value.
func DecodePayload(data []byte) (any, error) {
	var v any
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, ErrSerializationFailed(err)
	}
	return normalize(v), nil
}

// DecodePayloadInto deserializes a payload into a typed destination.
func DecodePayloadInto(data []byte, dest any) error {
	if err := decMode.Unmarshal(data, dest); err != nil {
		return ErrSerializationFailed(err)
	}
	return nil
}

// EncodeHeaders serializes a header map.
func EncodeHeaders(h map[string]string) ([]byte, error) {
	return EncodePayload(h)
}

// DecodeHeaders deserializes a header map.
func DecodeHeaders(data []byte) (map[string]string, error) {
	var h map[string]string
	if err := decMode.Unmarshal(data, &h); err != nil {
		return nil, ErrSerializationFailed(err)
	}
	return h, nil
}

// normalize rewrites cbor's map[interface{}]interface{} into
// map[string]any so dynamic consumers see conventional Go shapes.
func normalize(v any) any {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]any, len(t))
		for k, val := range t {
			if ks, ok := k.(string); ok {
				m[ks] = normalize(val)
			}
		}
		return m
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	case time.Time:
		return t
	default:
		return v
	}
}
