// Optional compression for page files.
//
// When Config.CompressPages is set, page files are written as a single
// zstd frame. The loader sniffs the zstd magic number, so compressed and
// raw pages can coexist in one store (a store reopened with a different
// setting keeps reading its existing pages).
package quire

import (
	"bytes"

	"github.com/klauspost/compress/zstd"
)

// Shared encoder/decoder — both are documented as safe for concurrent use.
// Allocated once because zstd encoder/decoder construction is expensive;
// creating one per page would dominate the cost of writing small pages.
// SpeedFastest: compression runs on every committed page (hot path) while
// decompression amortizes across the page cache (cold path).
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// zstd frame magic number, little-endian on disk.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func compressPage(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}

// decompressPage returns the raw page bytes, transparently decoding a
// zstd frame if one is present. A raw page always begins with a block
// kind byte (0–3), so the magic cannot collide with uncompressed data.
func decompressPage(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, ErrCorruptPage
	}
	return out, nil
}
