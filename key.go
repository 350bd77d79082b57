// Order-preserving key encodings.
//
// Identifiers and indexed values travel through the engine as Keys:
// byte strings whose lexicographic order equals the natural order of the
// source value. All index comparisons reduce to bytes.Compare, and the
// (IndexedValue, Identifier) tuple order falls out of comparing the two
// keys in sequence with the identifier as final tie-breaker.
package quire

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"
)

// Key is an order-preserving encoded identifier or indexed value.
type Key []byte

// Compare orders two keys lexicographically.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k, other)
}

// Equal reports whether two keys are byte-identical.
func (k Key) Equal(other Key) bool {
	return bytes.Equal(k, other)
}

// KeyBytes uses raw bytes as a key.
func KeyBytes(b []byte) Key {
	return Key(bytes.Clone(b))
}

// KeyString encodes a string; byte order equals string order.
func KeyString(s string) Key {
	return Key(s)
}

// KeyInt encodes a signed integer in offset-binary big-endian form so
// that negative values sort before positive ones.
func KeyInt(v int64) Key {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v)^(1<<63))
	return b[:]
}

// KeyUint encodes an unsigned integer big-endian.
func KeyUint(v uint64) Key {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// KeyFloat encodes a float64 so that byte order equals numeric order:
// the sign bit is flipped for positives and the whole word for negatives.
func KeyFloat(v float64) Key {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	return b[:]
}

// KeyTime encodes an instant at nanosecond precision.
func KeyTime(t time.Time) Key {
	return KeyInt(t.UnixNano())
}
