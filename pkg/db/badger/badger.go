// Package badger provides a db.KVStore backed by BadgerDB.
package badger

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/eigerco/aggregator/pkg/db"
)

var (
	ErrClosed          = errors.New("badger: database is closed")
	ErrNotFound        = fmt.Errorf("badger: %w", db.ErrNotFound)
	ErrBatchDone       = errors.New("badger: batch already committed or closed")
	ErrIteratorInvalid = errors.New("badger: iterator is not positioned on a key")
)

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string
	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool
	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool
	// Logger receives BadgerDB's internal log output. nil disables it.
	Logger *zerolog.Logger
}

// DefaultConfig returns defaults for a persistent database at path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns configuration for a throwaway database.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts zerolog to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

var _ db.KVStore = (*KVStore)(nil)

type KVStore struct {
	db     *badger.DB
	closed atomic.Bool
	mu     sync.RWMutex
}

// Open creates and opens a BadgerDB instance. The directory is created if it
// does not exist.
func Open(cfg Config) (*KVStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("badger: create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open database: %w", err)
	}
	return &KVStore{db: bdb}, nil
}

func (s *KVStore) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *KVStore) Put(key, value []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *KVStore) Delete(key []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (s *KVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// Batch buffers writes in a single read-write transaction so they commit
// atomically.
type Batch struct {
	store *KVStore
	txn   *badger.Txn
	done  atomic.Bool
}

func (s *KVStore) NewBatch() db.Batch {
	return &Batch{store: s, txn: s.db.NewTransaction(true)}
}

func (b *Batch) Put(key, value []byte) error {
	if b.done.Load() {
		return ErrBatchDone
	}
	// The transaction keeps references to the slices until commit.
	return b.txn.Set(bytes.Clone(key), bytes.Clone(value))
}

func (b *Batch) Delete(key []byte) error {
	if b.done.Load() {
		return ErrBatchDone
	}
	return b.txn.Delete(bytes.Clone(key))
}

func (b *Batch) Commit() error {
	if b.done.Load() {
		return ErrBatchDone
	}
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()
	if b.store.closed.Load() {
		return ErrClosed
	}
	if err := b.txn.Commit(); err != nil {
		return err
	}
	b.done.Store(true)
	return nil
}

func (b *Batch) Close() error {
	if !b.done.CompareAndSwap(false, true) {
		return nil
	}
	b.txn.Discard()
	return nil
}

// Iterator walks [start, end) inside a read-only transaction.
type Iterator struct {
	txn     *badger.Txn
	iter    *badger.Iterator
	start   []byte
	end     []byte
	started bool
}

func (s *KVStore) NewIterator(start, end []byte) (db.Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return nil, ErrClosed
	}
	txn := s.db.NewTransaction(false)
	return &Iterator{
		txn:   txn,
		iter:  txn.NewIterator(badger.DefaultIteratorOptions),
		start: bytes.Clone(start),
		end:   bytes.Clone(end),
	}, nil
}

func (it *Iterator) Next() bool {
	if !it.started {
		it.started = true
		if it.start == nil {
			it.iter.Rewind()
		} else {
			it.iter.Seek(it.start)
		}
	} else if it.iter.Valid() {
		it.iter.Next()
	}
	return it.Valid()
}

func (it *Iterator) Valid() bool {
	if !it.started || !it.iter.Valid() {
		return false
	}
	return it.end == nil || bytes.Compare(it.iter.Item().Key(), it.end) < 0
}

func (it *Iterator) Key() []byte {
	return it.iter.Item().KeyCopy(nil)
}

func (it *Iterator) Value() ([]byte, error) {
	if !it.Valid() {
		return nil, ErrIteratorInvalid
	}
	value, err := it.iter.Item().ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("badger: reading iterator value: %w", err)
	}
	return value, nil
}

func (it *Iterator) Close() error {
	it.iter.Close()
	it.txn.Discard()
	return nil
}
