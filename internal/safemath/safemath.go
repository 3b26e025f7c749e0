package safemath

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow      = errors.New("number overflow")
	ErrInvalidNumber = errors.New("invalid unsigned 128-bit number")
)

// Uint128 is an unsigned 128-bit integer. The zero value is 0.
type Uint128 struct {
	Hi, Lo uint64
}

var MaxUint128 = Uint128{Hi: ^uint64(0), Lo: ^uint64(0)}

func U128(v uint64) Uint128 {
	return Uint128{Lo: v}
}

func NewUint128(hi, lo uint64) Uint128 {
	return Uint128{Hi: hi, Lo: lo}
}

// Add returns a+b and false if the sum does not fit in 128 bits.
func Add(a, b Uint128) (Uint128, bool) {
	lo, carry := bits.Add64(a.Lo, b.Lo, 0)
	hi, carry := bits.Add64(a.Hi, b.Hi, carry)
	return Uint128{Hi: hi, Lo: lo}, carry == 0
}

// Sub returns a-b and false if b > a.
func Sub(a, b Uint128) (Uint128, bool) {
	lo, borrow := bits.Sub64(a.Lo, b.Lo, 0)
	hi, borrow := bits.Sub64(a.Hi, b.Hi, borrow)
	return Uint128{Hi: hi, Lo: lo}, borrow == 0
}

// Max returns the larger of a and b.
func Max(a, b Uint128) Uint128 {
	if a.Less(b) {
		return b
	}
	return a
}

// Min returns the smaller of a and b.
func Min(a, b Uint128) Uint128 {
	if b.Less(a) {
		return b
	}
	return a
}

// Cmp returns -1, 0 or +1 depending on whether u is less than, equal to or
// greater than v.
func (u Uint128) Cmp(v Uint128) int {
	switch {
	case u.Hi < v.Hi:
		return -1
	case u.Hi > v.Hi:
		return 1
	case u.Lo < v.Lo:
		return -1
	case u.Lo > v.Lo:
		return 1
	}
	return 0
}

func (u Uint128) Less(v Uint128) bool {
	return u.Cmp(v) < 0
}

func (u Uint128) IsZero() bool {
	return u.Hi == 0 && u.Lo == 0
}

// Uint64 returns the value as uint64 and false if it does not fit.
func (u Uint128) Uint64() (uint64, bool) {
	return u.Lo, u.Hi == 0
}

// String returns the decimal representation.
func (u Uint128) String() string {
	z := uint256.Int{u.Lo, u.Hi, 0, 0}
	return z.Dec()
}

// ParseUint128 parses a decimal string.
func ParseUint128(s string) (Uint128, error) {
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return Uint128{}, fmt.Errorf("%w: %q: %w", ErrInvalidNumber, s, err)
	}
	if z[2] != 0 || z[3] != 0 {
		return Uint128{}, fmt.Errorf("%w: %q", ErrOverflow, s)
	}
	return Uint128{Hi: z[1], Lo: z[0]}, nil
}

func (u Uint128) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *Uint128) UnmarshalText(text []byte) error {
	v, err := ParseUint128(string(text))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// Bytes returns the big-endian encoding of u.
func (u Uint128) Bytes() [16]byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], u.Hi)
	binary.BigEndian.PutUint64(b[8:], u.Lo)
	return b
}

// Uint128FromBytes decodes a big-endian 16 byte value.
func Uint128FromBytes(b []byte) (Uint128, error) {
	if len(b) != 16 {
		return Uint128{}, fmt.Errorf("%w: expected 16 bytes, got %d", ErrInvalidNumber, len(b))
	}
	return Uint128{
		Hi: binary.BigEndian.Uint64(b[:8]),
		Lo: binary.BigEndian.Uint64(b[8:]),
	}, nil
}
