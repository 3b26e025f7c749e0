package pebble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type batchOp struct {
	del   bool
	key   string
	value string
}

func TestBatchCommit(t *testing.T) {
	tests := []struct {
		name     string
		initial  map[string]string
		ops      []batchOp
		expected map[string]string
		absent   []string
	}{
		{
			name: "puts",
			ops: []batchOp{
				{key: "\x01supply", value: "100"},
				{key: "\x02\x00\x07", value: "\x01ticket"},
			},
			expected: map[string]string{"\x01supply": "100", "\x02\x00\x07": "\x01ticket"},
		},
		{
			name:     "overwrite_existing",
			initial:  map[string]string{"\x01supply": "100"},
			ops:      []batchOp{{key: "\x01supply", value: "150"}},
			expected: map[string]string{"\x01supply": "150"},
		},
		{
			name:    "delete_after_put_wins",
			initial: map[string]string{"\x01old": "9"},
			ops: []batchOp{
				{key: "\x01old", value: "10"},
				{del: true, key: "\x01old"},
			},
			absent: []string{"\x01old"},
		},
		{
			name: "put_after_delete_wins",
			ops: []batchOp{
				{del: true, key: "\x01new"},
				{key: "\x01new", value: "1"},
			},
			expected: map[string]string{"\x01new": "1"},
		},
		{
			name:     "delete_missing_key",
			initial:  map[string]string{"\x01kept": "1"},
			ops:      []batchOp{{del: true, key: "\x01missing"}},
			expected: map[string]string{"\x01kept": "1"},
			absent:   []string{"\x01missing"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := NewKVStore()
			require.NoError(t, err)
			defer store.Close()

			for k, v := range tc.initial {
				require.NoError(t, store.Put([]byte(k), []byte(v)))
			}

			batch := store.NewBatch()
			for _, op := range tc.ops {
				if op.del {
					require.NoError(t, batch.Delete([]byte(op.key)))
				} else {
					require.NoError(t, batch.Put([]byte(op.key), []byte(op.value)))
				}
			}
			require.NoError(t, batch.Commit())

			for k, v := range tc.expected {
				got, err := store.Get([]byte(k))
				require.NoError(t, err, "key %q", k)
				assert.Equal(t, v, string(got), "key %q", k)
			}
			for _, k := range tc.absent {
				_, err := store.Get([]byte(k))
				assert.ErrorIs(t, err, ErrNotFound, "key %q", k)
			}
		})
	}
}

func TestBatchInvisibleUntilCommit(t *testing.T) {
	store, err := NewKVStore()
	require.NoError(t, err)
	defer store.Close()

	batch := store.NewBatch()
	require.NoError(t, batch.Put([]byte("a"), []byte("1")))

	_, err = store.Get([]byte("a"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, batch.Commit())
	got, err := store.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)
}

func TestBatchCloseDiscards(t *testing.T) {
	store, err := NewKVStore()
	require.NoError(t, err)
	defer store.Close()

	batch := store.NewBatch()
	require.NoError(t, batch.Put([]byte("a"), []byte("1")))
	require.NoError(t, batch.Close())
	require.NoError(t, batch.Close())

	_, err = store.Get([]byte("a"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, batch.Commit(), ErrBatchDone)
}

func TestBatchDone(t *testing.T) {
	store, err := NewKVStore()
	require.NoError(t, err)
	defer store.Close()

	batch := store.NewBatch()
	require.NoError(t, batch.Put([]byte("a"), []byte("1")))
	require.NoError(t, batch.Commit())

	assert.ErrorIs(t, batch.Put([]byte("b"), []byte("2")), ErrBatchDone)
	assert.ErrorIs(t, batch.Delete([]byte("a")), ErrBatchDone)
	assert.ErrorIs(t, batch.Commit(), ErrBatchDone)
	assert.NoError(t, batch.Close())
}
