package store_test

import (
	"math"
	"testing"

	"github.com/nexusdb/nexus/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateValue_ClosedTypeSet(t *testing.T) {
	assert.NoError(t, store.ValidateValue(nil))
	assert.NoError(t, store.ValidateValue("s"))
	assert.NoError(t, store.ValidateValue(true))
	assert.NoError(t, store.ValidateValue(3.14))
	assert.NoError(t, store.ValidateValue(store.TaggedInt64(42)))
	assert.NoError(t, store.ValidateValue(store.TaggedBytes{1, 2, 3}))
	assert.NoError(t, store.ValidateValue([]any{"a", 1.0, nil}))
	assert.NoError(t, store.ValidateValue(map[string]any{"x": 1.0}))
}

func TestValidateValue_RejectsNonFiniteFloats(t *testing.T) {
	assert.Error(t, store.ValidateValue(math.NaN()))
	assert.Error(t, store.ValidateValue(math.Inf(1)))
	assert.Error(t, store.ValidateValue(math.Inf(-1)))
}

func TestValidateValue_RejectsBareIntAndBytes(t *testing.T) {
	assert.Error(t, store.ValidateValue(int64(5)))
	assert.Error(t, store.ValidateValue(5))
	assert.Error(t, store.ValidateValue([]byte("raw")))
}

func TestValidateValue_RejectsUnsupportedTypes(t *testing.T) {
	assert.Error(t, store.ValidateValue(func() {}))
	assert.Error(t, store.ValidateValue(complex(1, 2)))
}

func TestParseTaggedInt64_BoundaryValues(t *testing.T) {
	max, err := store.ParseTaggedInt64("9223372036854775807")
	require.NoError(t, err)
	assert.EqualValues(t, math.MaxInt64, max)

	min, err := store.ParseTaggedInt64("-9223372036854775808")
	require.NoError(t, err)
	assert.EqualValues(t, math.MinInt64, min)

	_, err = store.ParseTaggedInt64("9223372036854775808")
	assert.Error(t, err, "one past MaxInt64 must fail")

	_, err = store.ParseTaggedInt64("-9223372036854775809")
	assert.Error(t, err, "one past MinInt64 must fail")
}
