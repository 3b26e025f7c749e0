package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

type Hash [HashSize]byte

// HashData returns the blake2b-256 digest of data.
func HashData(data []byte) Hash {
	return blake2b.Sum256(data)
}

// HashConcat hashes the concatenation of all parts without an intermediate copy.
func HashConcat(parts ...[]byte) Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// only possible with an oversized key
		panic(err)
	}
	for _, p := range parts {
		h.Write(p)
	}
	var result Hash
	copy(result[:], h.Sum(nil))
	return result
}

func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}
