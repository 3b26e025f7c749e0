package aggregator

import (
	"bytes"
	"cmp"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/eigerco/aggregator/internal/crypto"
)

// StateKey identifies a storage cell.
type StateKey [crypto.HashSize]byte

// TableHandle identifies the table a legacy aggregator lives in.
type TableHandle [32]byte

func (k StateKey) String() string {
	return "0x" + hex.EncodeToString(k[:])
}

type idKind uint8

const (
	legacyID idKind = iota
	ephemeralID
)

// ID uniquely identifies an aggregator or snapshot. It is either Legacy,
// referring to a pre-existing storage cell by its key, or Ephemeral, created
// within the current block and unique only inside it.
//
// ID is comparable and can be used as a map key.
type ID struct {
	kind      idKind
	key       StateKey
	ephemeral uint64
}

func Legacy(key StateKey) ID {
	return ID{kind: legacyID, key: key}
}

func Ephemeral(id uint64) ID {
	return ID{kind: ephemeralID, ephemeral: id}
}

// LegacyIDFromTableItem derives the id of an aggregator stored as an item
// of a table.
func LegacyIDFromTableItem(handle TableHandle, key []byte) ID {
	return Legacy(StateKey(crypto.HashConcat(handle[:], key)))
}

func (id ID) IsLegacy() bool {
	return id.kind == legacyID
}

func (id ID) IsEphemeral() bool {
	return id.kind == ephemeralID
}

// StateKey returns the storage key of a legacy id.
func (id ID) StateKey() (StateKey, bool) {
	if id.kind != legacyID {
		return StateKey{}, false
	}
	return id.key, true
}

// EphemeralID returns the number of an ephemeral id.
func (id ID) EphemeralID() (uint64, bool) {
	if id.kind != ephemeralID {
		return 0, false
	}
	return id.ephemeral, true
}

// Compare orders ids structurally: legacy before ephemeral, then by key or number.
func (id ID) Compare(other ID) int {
	if c := cmp.Compare(id.kind, other.kind); c != 0 {
		return c
	}
	if id.kind == legacyID {
		return bytes.Compare(id.key[:], other.key[:])
	}
	return cmp.Compare(id.ephemeral, other.ephemeral)
}

func (id ID) String() string {
	if id.kind == legacyID {
		return fmt.Sprintf("Legacy(%s)", id.key)
	}
	return fmt.Sprintf("Ephemeral(%d)", id.ephemeral)
}

// SortIDs sorts ids in place by Compare.
func SortIDs(ids []ID) {
	slices.SortFunc(ids, ID.Compare)
}
