package store

import (
	"encoding/binary"
	"fmt"

	"github.com/eigerco/aggregator/internal/safemath"
	"github.com/eigerco/aggregator/pkg/aggregator"
)

// Prefix constants for all stored values
const (
	prefixLegacyAggregator byte = iota + 1
	prefixEphemeralValue
)

// Tags of stored ephemeral values
const (
	tagInteger byte = iota
	tagString
)

// PrefixToString converts a prefix byte to a string
func PrefixToString(p byte) string {
	switch p {
	case prefixLegacyAggregator:
		return "legacyAggregator"
	case prefixEphemeralValue:
		return "ephemeralValue"
	default:
		return "unknown"
	}
}

// makeKey creates a key from a prefix and payload
func makeKey(prefix byte, payload []byte) []byte {
	key := make([]byte, 1+len(payload))
	key[0] = prefix
	copy(key[1:], payload)
	return key
}

func idKey(id aggregator.ID) []byte {
	if key, ok := id.StateKey(); ok {
		return makeKey(prefixLegacyAggregator, key[:])
	}
	n, _ := id.EphemeralID()
	return makeKey(prefixEphemeralValue, binary.BigEndian.AppendUint64(nil, n))
}

func idFromKey(key []byte) (aggregator.ID, error) {
	if len(key) == 0 {
		return aggregator.ID{}, fmt.Errorf("empty key")
	}
	switch key[0] {
	case prefixLegacyAggregator:
		var stateKey aggregator.StateKey
		if len(key[1:]) != len(stateKey) {
			return aggregator.ID{}, fmt.Errorf("invalid %s key length %d", PrefixToString(key[0]), len(key))
		}
		copy(stateKey[:], key[1:])
		return aggregator.Legacy(stateKey), nil
	case prefixEphemeralValue:
		if len(key[1:]) != 8 {
			return aggregator.ID{}, fmt.Errorf("invalid %s key length %d", PrefixToString(key[0]), len(key))
		}
		return aggregator.Ephemeral(binary.BigEndian.Uint64(key[1:])), nil
	}
	return aggregator.ID{}, fmt.Errorf("unknown key prefix %d", key[0])
}

func encodeLegacyValue(v safemath.Uint128) []byte {
	b := v.Bytes()
	return b[:]
}

func decodeLegacyValue(b []byte) (safemath.Uint128, error) {
	return safemath.Uint128FromBytes(b)
}

func encodeEphemeralValue(v aggregator.SnapshotValue) ([]byte, error) {
	switch v := v.(type) {
	case aggregator.IntegerValue:
		b := safemath.Uint128(v).Bytes()
		return append([]byte{tagInteger}, b[:]...), nil
	case aggregator.StringValue:
		return append([]byte{tagString}, v...), nil
	}
	return nil, fmt.Errorf("unknown snapshot value %T", v)
}

func decodeEphemeralValue(b []byte) (aggregator.SnapshotValue, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty ephemeral value")
	}
	switch b[0] {
	case tagInteger:
		v, err := safemath.Uint128FromBytes(b[1:])
		if err != nil {
			return nil, err
		}
		return aggregator.IntegerValue(v), nil
	case tagString:
		return aggregator.StringValue(append([]byte{}, b[1:]...)), nil
	}
	return nil, fmt.Errorf("unknown ephemeral value tag %d", b[0])
}
