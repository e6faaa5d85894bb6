package contracts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldValues_PreservesOrderAndUniqueness(t *testing.T) {
	var fv FieldValues
	require.NoError(t, json.Unmarshal([]byte(`{"zeta":"z","alpha":1,"zeta":"last","tags":["a","b"]}`), &fv))

	entries := fv.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "zeta", entries[0].Key)
	assert.Equal(t, "last", entries[0].Value)
	assert.Equal(t, "alpha", entries[1].Key)
	assert.Equal(t, float64(1), entries[1].Value)

	out, err := json.Marshal(fv)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"last","alpha":1,"tags":["a","b"]}`, string(out))
}

func TestFieldValues_NilSafe(t *testing.T) {
	var fv *FieldValues
	_, ok := fv.Get("x")
	assert.False(t, ok)
	assert.Equal(t, 0, fv.Len())
	assert.Equal(t, "", fv.String("x"))
	assert.Empty(t, fv.Map())
}
