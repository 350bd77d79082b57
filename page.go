// Page representation and codec.
//
// A page is an immutable, dated-identifier file holding framed blocks up
// to the configured capacity. Pages are decoded once and cached; the
// index engine works over decoded block sequences, never raw bytes.
package quire

// page is a decoded page: its identifier and block sequence in order.
type page struct {
	id     string
	blocks []block
}

// encodePage serialises the blocks, optionally zstd-framing the result.
func encodePage(p *page, compress bool) []byte {
	size := 0
	for _, b := range p.blocks {
		size += b.size()
	}
	out := make([]byte, 0, size)
	for _, b := range p.blocks {
		out = appendBlock(out, b)
	}
	if compress {
		return compressPage(out)
	}
	return out
}

// decodePage parses page file bytes into a block sequence.
func decodePage(id string, data []byte) (*page, error) {
	raw, err := decompressPage(data)
	if err != nil {
		return nil, err
	}
	p := &page{id: id}
	for len(raw) > 0 {
		b, rest, err := readBlock(raw)
		if err != nil {
			return nil, err
		}
		p.blocks = append(p.blocks, b)
		raw = rest
	}
	return p, nil
}

// usedBytes returns the occupied capacity of the page.
func (p *page) usedBytes() int {
	n := 0
	for _, b := range p.blocks {
		n += b.size()
	}
	return n
}

// firstStart returns the index of the first block that begins a logical
// entry, skipping slice and tail blocks bleeding in from earlier pages.
// Returns -1 when no entry starts within the page.
func (p *page) firstStart() int {
	for i, b := range p.blocks {
		if b.startsEntry() {
			return i
		}
	}
	return -1
}

// lastStart returns the index of the last block that begins a logical
// entry, or -1.
func (p *page) lastStart() int {
	for i := len(p.blocks) - 1; i >= 0; i-- {
		if p.blocks[i].startsEntry() {
			return i
		}
	}
	return -1
}

// pageBuilder packs encoded entries into pages, splitting entries across
// page boundaries with head/slice/tail blocks. Pages are assigned fresh
// dated identifiers when sealed.
type pageBuilder struct {
	capacity int
	pages    []*page
	current  []block
	used     int
}

func newPageBuilder(capacity int) *pageBuilder {
	return &pageBuilder{capacity: capacity}
}

// add appends one encoded entry, sealing pages as they fill.
func (pb *pageBuilder) add(data []byte) error {
	remaining := pb.capacity - pb.used
	if blockFrameLen+len(data) > remaining && remaining < minSplitSize {
		pb.seal()
		remaining = pb.capacity
	}
	blocks, err := decompose(data, remaining, pb.capacity)
	if err != nil {
		return err
	}
	for i, b := range blocks {
		if i > 0 {
			pb.seal()
		}
		pb.current = append(pb.current, b)
		pb.used += b.size()
	}
	if pb.used == pb.capacity {
		pb.seal()
	}
	return nil
}

// seal closes the current page, assigning it a dated identifier.
func (pb *pageBuilder) seal() {
	if len(pb.current) == 0 {
		return
	}
	pb.pages = append(pb.pages, &page{id: datedID(), blocks: pb.current})
	pb.current = nil
	pb.used = 0
}

// finish seals any open page and returns the built sequence.
func (pb *pageBuilder) finish() []*page {
	pb.seal()
	return pb.pages
}
