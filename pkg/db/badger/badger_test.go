package badger

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
		{name: "put_get_delete", fn: testPutGetDelete},
		{name: "atomic_batch", fn: testBatch},
		{name: "discarded_batch", fn: testDiscardedBatch},
		{name: "bounded_iteration", fn: testBoundedIteration},
		{name: "store_closure", fn: testClosure},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := Open(InMemoryConfig())
			require.NoError(t, err)
			defer store.Close()

			tc.fn(t, store)
		})
	}
}

func testPutGetDelete(t *testing.T, store db.KVStore) {
	require.NoError(t, store.Put([]byte("k"), []byte("v")))

	v, err := store.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, store.Delete([]byte("k")))
	_, err = store.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing key is fine.
	assert.NoError(t, store.Delete([]byte("missing")))
}

func testBatch(t *testing.T, store db.KVStore) {
	require.NoError(t, store.Put([]byte("gone"), []byte("x")))

	batch := store.NewBatch()
	key := []byte("a")
	require.NoError(t, batch.Put(key, []byte("1")))
	key[0] = 'b'
	require.NoError(t, batch.Delete([]byte("gone")))

	// Not visible before commit.
	_, err := store.Get([]byte("a"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, batch.Commit())
	assert.ErrorIs(t, batch.Commit(), ErrBatchDone)
	assert.ErrorIs(t, batch.Put([]byte("c"), nil), ErrBatchDone)
	assert.NoError(t, batch.Close())

	v, err := store.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	_, err = store.Get([]byte("gone"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func testDiscardedBatch(t *testing.T, store db.KVStore) {
	batch := store.NewBatch()
	require.NoError(t, batch.Put([]byte("a"), []byte("1")))
	require.NoError(t, batch.Close())
	assert.NoError(t, batch.Close())

	_, err := store.Get([]byte("a"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func testBoundedIteration(t *testing.T, store db.KVStore) {
	for _, k := range []string{"e", "a", "c", "b", "d"} {
		require.NoError(t, store.Put([]byte(k), []byte("value-"+k)))
	}

	iter, err := store.NewIterator([]byte("b"), []byte("e"))
	require.NoError(t, err)
	defer iter.Close()

	assert.False(t, iter.Valid())
	var keys []string
	for iter.Next() {
		v, err := iter.Value()
		require.NoError(t, err)
		assert.Equal(t, "value-"+string(iter.Key()), string(v))
		keys = append(keys, string(iter.Key()))
	}
	assert.Equal(t, []string{"b", "c", "d"}, keys)

	_, err = iter.Value()
	assert.ErrorIs(t, err, ErrIteratorInvalid)
}

func testClosure(t *testing.T, store db.KVStore) {
	require.NoError(t, store.Close())

	_, err := store.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.Put([]byte("k"), nil), ErrClosed)
	assert.ErrorIs(t, store.Delete([]byte("k")), ErrClosed)
	_, err = store.NewIterator(nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, store.Close())
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpenOnDisk(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, store.Put([]byte("k"), []byte("v")))
	require.NoError(t, store.Close())

	store, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer store.Close()

	v, err := store.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}
