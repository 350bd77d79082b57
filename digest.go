// Digest algorithms for page integrity.
//
// Every manifest PageRef records a 16 hex character digest of the page
// bytes, verified when the page is loaded. Two algorithms are supported,
// selectable via Config.DigestAlgorithm.
package quire

import (
	"fmt"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Digest algorithm constants.
const (
	AlgXXHash3 = 1 // Default, fastest
	AlgBlake2b = 2 // Best distribution
)

// digest produces a 16 hex character digest of data using the specified
// algorithm.
func digest(data []byte, alg int) string {
	switch alg {
	case AlgXXHash3:
		return fmt.Sprintf("%016x", xxh3.Hash(data))
	case AlgBlake2b:
		h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
		h.Write(data)
		return fmt.Sprintf("%016x", h.Sum(nil))
	default:
		return ""
	}
}
