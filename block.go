// Block framing and entry decomposition.
//
// Pages hold a sequence of framed blocks. A logical entry is either one
// complete block or a head, zero or more slices, and a tail — the shape
// that lets a variably-sized entry straddle fixed-size pages. Each frame
// is 5 bytes: a kind tag and a little-endian payload length.
package quire

import "encoding/binary"

// Block kinds as they appear on disk.
const (
	blockComplete = 0
	blockHead     = 1
	blockSlice    = 2
	blockTail     = 3
)

// blockFrameLen is the framing overhead per block: 1 kind byte plus a
// 4-byte length.
const blockFrameLen = 5

// minSplitSize is the smallest space a split block can occupy: the frame
// plus one payload byte. A block is never emitted empty.
const minSplitSize = blockFrameLen + 1

// block is a framed fragment of a logical entry.
type block struct {
	kind    byte
	payload []byte
}

// size returns the on-page footprint of the block including framing.
func (b block) size() int {
	return blockFrameLen + len(b.payload)
}

// startsEntry reports whether the block begins a logical entry.
func (b block) startsEntry() bool {
	return b.kind == blockComplete || b.kind == blockHead
}

// endsEntry reports whether the block finishes a logical entry.
func (b block) endsEntry() bool {
	return b.kind == blockComplete || b.kind == blockTail
}

// appendBlock serialises the block frame and payload onto dst.
func appendBlock(dst []byte, b block) []byte {
	dst = append(dst, b.kind)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b.payload)))
	dst = append(dst, n[:]...)
	return append(dst, b.payload...)
}

// readBlock parses one block frame from data, returning the block and
// the remaining bytes.
func readBlock(data []byte) (block, []byte, error) {
	if len(data) < blockFrameLen {
		return block{}, nil, ErrCorruptPage
	}
	kind := data[0]
	if kind > blockTail {
		return block{}, nil, ErrCorruptPage
	}
	n := int(binary.LittleEndian.Uint32(data[1:blockFrameLen]))
	if n == 0 || blockFrameLen+n > len(data) {
		return block{}, nil, ErrCorruptPage
	}
	return block{kind: kind, payload: data[blockFrameLen : blockFrameLen+n]}, data[blockFrameLen+n:], nil
}

// decompose splits an encoded entry into the minimal block sequence
// given the space remaining in the current page and the usable space of
// a fresh page. The first block consumes at most remaining bytes; every
// later block fits a fresh page. Callers must ensure remaining >=
// minSplitSize (close the page and retry with remaining == maxSpace
// otherwise).
func decompose(data []byte, remaining, maxSpace int) ([]block, error) {
	if maxSpace < minSplitSize {
		return nil, ErrPageSpace
	}
	if blockFrameLen+len(data) <= remaining {
		return []block{{kind: blockComplete, payload: data}}, nil
	}
	if remaining < minSplitSize {
		return nil, ErrPageSpace
	}
	blocks := []block{{kind: blockHead, payload: data[:remaining-blockFrameLen]}}
	rest := data[remaining-blockFrameLen:]
	for len(rest) > maxSpace-blockFrameLen {
		blocks = append(blocks, block{kind: blockSlice, payload: rest[:maxSpace-blockFrameLen]})
		rest = rest[maxSpace-blockFrameLen:]
	}
	return append(blocks, block{kind: blockTail, payload: rest}), nil
}
