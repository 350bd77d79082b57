// Block framing and decomposition tests.
//
// Decomposition decides how an entry straddles page boundaries, and the
// framing is what the on-disk page format is made of. These tests pin
// the 5-byte frame layout, the single-complete fast path, the split
// shapes, the minimum-splittable-size rejection, and the reassembly
// property that glueing the payloads back together yields the original
// entry bytes.
package quire

import (
	"bytes"
	"errors"
	"testing"
)

// TestBlockFrameLayout pins the frame: kind byte, little-endian u32
// length, payload.
func TestBlockFrameLayout(t *testing.T) {
	var buf []byte
	buf = appendBlock(buf, block{kind: blockHead, payload: []byte("abc")})
	want := []byte{1, 3, 0, 0, 0, 'a', 'b', 'c'}
	if !bytes.Equal(buf, want) {
		t.Errorf("frame = %v, want %v", buf, want)
	}

	b, rest, err := readBlock(buf)
	if err != nil {
		t.Fatalf("readBlock: %v", err)
	}
	if b.kind != blockHead || string(b.payload) != "abc" || len(rest) != 0 {
		t.Errorf("readBlock = kind %d payload %q rest %d", b.kind, b.payload, len(rest))
	}
}

// TestReadBlockRejects verifies framing corruption is caught: unknown
// kind tags, truncated frames, zero-length payloads, and lengths past
// the end of the buffer.
func TestReadBlockRejects(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"unknown kind", []byte{9, 1, 0, 0, 0, 'x'}},
		{"truncated frame", []byte{0, 1, 0}},
		{"zero length", []byte{0, 0, 0, 0, 0}},
		{"length past end", []byte{0, 5, 0, 0, 0, 'x'}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := readBlock(tc.data); !errors.Is(err, ErrCorruptPage) {
				t.Errorf("err = %v, want ErrCorruptPage", err)
			}
		})
	}
}

// TestDecomposeComplete verifies the fast path: an entry that fits the
// remaining space becomes exactly one complete block.
func TestDecomposeComplete(t *testing.T) {
	blocks, err := decompose([]byte("hello"), 10, 64)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(blocks) != 1 || blocks[0].kind != blockComplete {
		t.Fatalf("blocks = %+v, want one complete", blocks)
	}
	if blocks[0].size() != 10 {
		t.Errorf("size = %d, want 10", blocks[0].size())
	}
}

// TestDecomposeSplit verifies the multi-block shape for an entry larger
// than a full page: head capped by the remaining space, slices each
// filling a fresh page, and a final tail. The first block must consume
// at most the remaining space.
func TestDecomposeSplit(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 40)
	blocks, err := decompose(data, 10, 20)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	// head 5 payload, then 15-payload slices over the remaining 35:
	// slice 15, slice 15, tail 5.
	kinds := []byte{blockHead, blockSlice, blockSlice, blockTail}
	sizes := []int{5, 15, 15, 5}
	if len(blocks) != len(kinds) {
		t.Fatalf("got %d blocks, want %d", len(blocks), len(kinds))
	}
	for i, b := range blocks {
		if b.kind != kinds[i] || len(b.payload) != sizes[i] {
			t.Errorf("block %d = kind %d len %d, want kind %d len %d",
				i, b.kind, len(b.payload), kinds[i], sizes[i])
		}
		if i == 0 && b.size() > 10 {
			t.Errorf("first block size %d exceeds remaining space 10", b.size())
		}
	}
	if len(blocks) < 3 {
		t.Error("an entry larger than a page must split into at least head, slice, tail")
	}

	// Reassembling the payloads yields the original bytes.
	var joined []byte
	for _, b := range blocks {
		joined = append(joined, b.payload...)
	}
	if !bytes.Equal(joined, data) {
		t.Error("reassembled payloads differ from input")
	}
}

// TestDecomposeMinimumSpace verifies the minimum splittable size: a
// page space below 6 bytes (frame plus one payload byte) is rejected,
// and exactly 6 works.
func TestDecomposeMinimumSpace(t *testing.T) {
	if _, err := decompose([]byte("toolarge"), 10, minSplitSize-1); !errors.Is(err, ErrPageSpace) {
		t.Errorf("maxSpace below minimum: err = %v, want ErrPageSpace", err)
	}
	if _, err := decompose([]byte("toolarge"), minSplitSize-1, 64); !errors.Is(err, ErrPageSpace) {
		t.Errorf("remaining below minimum: err = %v, want ErrPageSpace", err)
	}
	blocks, err := decompose([]byte("ab"), minSplitSize, minSplitSize)
	if err != nil {
		t.Fatalf("decompose at minimum: %v", err)
	}
	for _, b := range blocks {
		if len(b.payload) == 0 {
			t.Error("emitted an empty block")
		}
		if b.size() > minSplitSize {
			t.Errorf("block size %d exceeds page space %d", b.size(), minSplitSize)
		}
	}
}
