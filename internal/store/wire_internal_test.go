package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToWireFromWire_RoundTrip(t *testing.T) {
	in := map[string]any{
		"name":  "alice",
		"age":   TaggedInt64(42),
		"blob":  TaggedBytes{0xDE, 0xAD, 0xBE, 0xEF},
		"tags":  []any{"a", "b"},
		"meta":  map[string]any{"nested": TaggedInt64(-1)},
		"empty": nil,
	}

	wire, err := toWire(in)
	require.NoError(t, err)

	wireMap, ok := wire.(map[string]any)
	require.True(t, ok)
	age, ok := wireMap["age"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, tagBigInt, age[tagKey])
	assert.Equal(t, "42", age["value"])

	back, err := fromWire(wire)
	require.NoError(t, err)
	backMap := back.(map[string]any)
	assert.Equal(t, TaggedInt64(42), backMap["age"])
	assert.Equal(t, TaggedBytes{0xDE, 0xAD, 0xBE, 0xEF}, backMap["blob"])
	nested := backMap["meta"].(map[string]any)
	assert.Equal(t, TaggedInt64(-1), nested["nested"])
}

func TestFromWire_CorruptBigIntWrapper(t *testing.T) {
	_, err := fromWire(map[string]any{tagKey: tagBigInt, "value": "not-a-number"})
	assert.Error(t, err)
}

func TestToWire_BytesUseByteArrayShapeNotBase64(t *testing.T) {
	wire, err := toWire(TaggedBytes{0xDE, 0xAD})
	require.NoError(t, err)

	raw, err := json.Marshal(wire)
	require.NoError(t, err)
	assert.JSONEq(t, `{"__type":"arraybuffer","value":[222,173]}`, string(raw))
}

func TestFromWire_BytesSurviveAJSONRoundTrip(t *testing.T) {
	wire, err := toWire(TaggedBytes{0xDE, 0xAD, 0xBE, 0xEF})
	require.NoError(t, err)

	raw, err := json.Marshal(wire)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	back, err := fromWire(decoded)
	require.NoError(t, err)
	assert.Equal(t, TaggedBytes{0xDE, 0xAD, 0xBE, 0xEF}, back)
}

func TestFromWire_CorruptArrayBufferWrapper(t *testing.T) {
	_, err := fromWire(map[string]any{tagKey: tagByteArray, "value": []any{1, "not-a-byte", 3}})
	assert.Error(t, err)
}
