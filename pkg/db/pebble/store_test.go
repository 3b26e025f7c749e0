package pebble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/aggregator/pkg/db"
)

func TestKVStore(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store db.KVStore)
	}{
		{
			name: "put_get_overwrite",
			fn:   testPutGetOverwrite,
		},
		{
			name: "missing_key_wraps_db_not_found",
			fn:   testMissingKey,
		},
		{
			name: "delete_is_idempotent",
			fn:   testDeleteIdempotent,
		},
		{
			name: "operations_after_close",
			fn:   testOperationsAfterClose,
		},
		{
			name: "returned_value_is_a_copy",
			fn:   testValueCopy,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := NewKVStore()
			require.NoError(t, err)
			defer store.Close()

			tc.fn(t, store)
		})
	}
}

func testPutGetOverwrite(t *testing.T, store db.KVStore) {
	key := []byte("\x01supply")

	require.NoError(t, store.Put(key, []byte{0, 100}))
	v, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 100}, v)

	require.NoError(t, store.Put(key, []byte{0, 150}))
	v, err = store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 150}, v)
}

func testMissingKey(t *testing.T, store db.KVStore) {
	_, err := store.Get([]byte("\x01missing"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func testDeleteIdempotent(t *testing.T, store db.KVStore) {
	key := []byte("\x02\x00\x00\x00\x00\x00\x00\x00\x07")
	require.NoError(t, store.Put(key, []byte("\x01ticket")))

	for range 2 {
		require.NoError(t, store.Delete(key))
		_, err := store.Get(key)
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func testOperationsAfterClose(t *testing.T, store db.KVStore) {
	require.NoError(t, store.Put([]byte("k"), []byte("v")))
	require.NoError(t, store.Close())

	_, err := store.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.Put([]byte("k"), []byte("v")), ErrClosed)
	assert.ErrorIs(t, store.Delete([]byte("k")), ErrClosed)
	assert.NoError(t, store.Close())
}

func testValueCopy(t *testing.T, store db.KVStore) {
	require.NoError(t, store.Put([]byte("k"), []byte("abc")))

	v, err := store.Get([]byte("k"))
	require.NoError(t, err)
	v[0] = 'x'

	again, err := store.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestOpenOnDisk(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put([]byte("k"), []byte("v")))
	require.NoError(t, store.Close())

	store, err = Open(dir)
	require.NoError(t, err)
	defer store.Close()

	v, err := store.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestClosedStoreRejectsIteratorsAndBatches(t *testing.T) {
	store, err := NewKVStore()
	require.NoError(t, err)

	batch := store.NewBatch()
	require.NoError(t, batch.Put([]byte("k"), []byte("v")))
	require.NoError(t, store.Close())

	assert.ErrorIs(t, batch.Commit(), ErrClosed)
	assert.NoError(t, batch.Close())

	_, err = store.NewIterator(nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
}
