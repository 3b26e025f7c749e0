package pebble

import (
	"errors"
	"fmt"

	"github.com/eigerco/aggregator/pkg/db"
)

var (
	ErrClosed          = errors.New("pebble: database is closed")
	ErrNotFound        = fmt.Errorf("pebble: %w", db.ErrNotFound)
	ErrBatchDone       = errors.New("pebble: batch already committed or closed")
	ErrIteratorInvalid = errors.New("pebble: iterator is not positioned on a key")
)

const (
	ErrInIteratorCreation = "pebble: creating iterator: %w"
	ErrIteratorValue      = "pebble: reading iterator value: %w"
)
