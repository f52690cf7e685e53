package generic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncMap(t *testing.T) {
	m := new(SyncMap[string, int])
	m.Store("one", 1)
	m.Store("two", 2)

	v, ok := m.Load("one")
	require.True(t, ok)
	require.Equal(t, 1, v)

	var keys []string
	m.Range(func(key string, _ int) bool {
		keys = append(keys, key)
		return true
	})
	assert.ElementsMatch(t, []string{"one", "two"}, keys)

	m.Delete("one")
	_, ok = m.Load("one")
	require.False(t, ok)
}

func TestAtomic_ZeroValue(t *testing.T) {
	var v Atomic[[]string]
	require.Nil(t, v.Load())

	v.Store([]string{"a"})
	require.Equal(t, []string{"a"}, v.Load())
}
