package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := store.Get("anon_id")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.Set("anon_id", "a-1"))
			require.NoError(t, store.Set("anon_id", "a-2"))

			value, ok, err := store.Get("anon_id")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "a-2", value)

			require.NoError(t, store.Delete("anon_id"))
			_, ok, err = store.Get("anon_id")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreDeletePrefix(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Set("flag:s1:view:L1", "1"))
			require.NoError(t, store.Set("flag:s1:view:L2", "1"))
			require.NoError(t, store.Set("flag:s2:view:L1", "1"))
			require.NoError(t, store.Set("session_id", "s2"))

			require.NoError(t, store.DeletePrefix("flag:s1:"))

			_, ok, err := store.Get("flag:s1:view:L1")
			require.NoError(t, err)
			assert.False(t, ok)

			_, ok, err = store.Get("flag:s2:view:L1")
			require.NoError(t, err)
			assert.True(t, ok)

			_, ok, err = store.Get("session_id")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Set("anon_id", "device-7"))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	value, ok, err := reopened.Get("anon_id")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "device-7", value)
}
