// Index engine: binary search over pages, cursors, and CoW mutation.
//
// An index is an ordered sequence of pages described by a manifest.
// Entries are ordered by their leading headers (the key tuple); the
// engine binary-searches page boundaries by probing each page's first
// locally-starting entry, then works linearly within the page. Mutations
// never touch existing pages: the affected span is rebuilt into fresh
// pages and a new manifest splices them over the old refs.
package quire

import "bytes"

// pageSet couples a manifest with a page loader. The memo map keeps
// pages decoded during one operation so binary search probes don't
// reload them.
type pageSet struct {
	m    *indexManifest
	load func(ref pageRef) (*page, error)
	memo map[int]*page
}

func newPageSet(m *indexManifest, load func(ref pageRef) (*page, error)) *pageSet {
	return &pageSet{m: m, load: load, memo: make(map[int]*page)}
}

func (ps *pageSet) page(i int) (*page, error) {
	if p, ok := ps.memo[i]; ok {
		return p, nil
	}
	p, err := ps.load(ps.m.Pages[i])
	if err != nil {
		return nil, err
	}
	ps.memo[i] = p
	return p, nil
}

// compareTuple orders an entry's header tuple against a probe tuple.
// The probe may be a prefix (e.g. an indexed value without identifier);
// only the probe's components participate, so a prefix match is equal.
func compareTuple(headers, probe [][]byte) int {
	for i := range probe {
		if i >= len(headers) {
			return -1
		}
		if c := bytes.Compare(headers[i], probe[i]); c != 0 {
			return c
		}
	}
	return 0
}

// assembleAt reconstructs the logical entry whose first block sits at
// (pi, bi). The block must be complete or head; continuation blocks are
// pulled from subsequent pages until the tail.
func (ps *pageSet) assembleAt(pi, bi int) (*entry, error) {
	p, err := ps.page(pi)
	if err != nil {
		return nil, err
	}
	b := p.blocks[bi]
	if b.kind == blockComplete {
		return decodeEntry(b.payload, false)
	}
	if b.kind != blockHead {
		return nil, ErrCorruptPage
	}
	data := bytes.Clone(b.payload)
	for pj := pi + 1; pj < len(ps.m.Pages); pj++ {
		next, err := ps.page(pj)
		if err != nil {
			return nil, err
		}
		if len(next.blocks) == 0 {
			return nil, ErrCorruptPage
		}
		cont := next.blocks[0]
		switch cont.kind {
		case blockSlice:
			data = append(data, cont.payload...)
		case blockTail:
			data = append(data, cont.payload...)
			return decodeEntry(data, false)
		default:
			return nil, ErrCorruptPage
		}
	}
	return nil, ErrCorruptPage // head without tail
}

// probeKeys returns the key tuple of the first entry starting in page
// pi, or ok=false when nothing starts there. The fast path decodes the
// head payload partially; entries whose headers straddle the page fall
// back to full assembly.
func (ps *pageSet) probeKeys(pi, arity int) ([][]byte, bool, error) {
	p, err := ps.page(pi)
	if err != nil {
		return nil, false, err
	}
	bi := p.firstStart()
	if bi < 0 {
		return nil, false, nil
	}
	e, err := decodeEntry(p.blocks[bi].payload, true)
	if err != nil {
		return nil, false, err
	}
	if len(e.headers) < arity {
		if e, err = ps.assembleAt(pi, bi); err != nil {
			return nil, false, err
		}
		if len(e.headers) < arity {
			return nil, false, ErrInvalidEntryFormat
		}
	}
	return e.headers[:arity], true, nil
}

// lastKeys returns the key tuple of the last entry starting in page pi.
func (ps *pageSet) lastKeys(pi, arity int) ([][]byte, bool, error) {
	p, err := ps.page(pi)
	if err != nil {
		return nil, false, err
	}
	bi := p.lastStart()
	if bi < 0 {
		return nil, false, nil
	}
	e, err := decodeEntry(p.blocks[bi].payload, true)
	if err != nil {
		return nil, false, err
	}
	if len(e.headers) < arity {
		if e, err = ps.assembleAt(pi, bi); err != nil {
			return nil, false, err
		}
		if len(e.headers) < arity {
			return nil, false, ErrInvalidEntryFormat
		}
	}
	return e.headers[:arity], true, nil
}

// searchPages is the shared lower-bound binary search: it returns the
// count of leading pages whose first starting entry sorts at or before
// the probe. A candidate page where no entry starts cannot be probed
// directly; the search pivots on the nearest earlier page with a
// starting entry, and when none exists inside the live window the
// candidate is covered by an entry already known to sort at or before
// the probe, so the window moves right.
func (ps *pageSet) searchPages(probe [][]byte) (int, error) {
	lo, hi := 0, len(ps.m.Pages)
	for lo < hi {
		mid := (lo + hi) / 2
		j := mid
		var keys [][]byte
		found := false
		for j >= lo {
			var ok bool
			var err error
			keys, ok, err = ps.probeKeys(j, len(probe))
			if err != nil {
				return 0, err
			}
			if ok {
				found = true
				break
			}
			j--
		}
		if !found {
			lo = mid + 1
			continue
		}
		if compareTuple(keys, probe) <= 0 {
			lo = mid + 1
		} else {
			hi = j
		}
	}
	return lo, nil
}

// pageIndexFor binary-searches for the page in whose entry range the
// probe belongs: the rightmost page whose first starting entry sorts at
// or before the probe, adjusted left so equal keys land in the earliest
// page containing them. Pages where no entry starts are treated as
// belonging to an earlier page. Returns ok=false for an empty manifest
// or a probe sorting before every entry's page boundary; callers then
// start from page zero.
func (ps *pageSet) pageIndexFor(probe [][]byte, requiresComplete bool) (int, bool, error) {
	n := len(ps.m.Pages)
	if n == 0 {
		return 0, false, nil
	}
	lo, err := ps.searchPages(probe)
	if err != nil {
		return 0, false, err
	}
	if lo == 0 {
		return 0, false, nil
	}
	idx := lo - 1
	// Walk back over pages with no starting entry to the page that owns
	// the straddling entry.
	for idx > 0 {
		if _, ok, err := ps.probeKeys(idx, len(probe)); err != nil {
			return 0, false, err
		} else if ok {
			break
		}
		idx--
	}
	// Tie-break: with a prefix probe, runs of equal keys may span pages;
	// fall back to the earliest page whose last entry still matches.
	for idx > 0 {
		keys, ok, err := ps.lastKeys(idx-1, len(probe))
		if err != nil {
			return 0, false, err
		}
		if !ok || compareTuple(keys, probe) != 0 {
			break
		}
		idx--
	}
	if requiresComplete {
		for idx < n {
			p, err := ps.page(idx)
			if err != nil {
				return 0, false, err
			}
			if bi := p.firstStart(); bi >= 0 && p.blocks[bi].kind == blockComplete {
				break
			}
			idx++
		}
		if idx == n {
			return 0, false, nil
		}
	}
	return idx, true, nil
}

// pageIndexUpper is pageIndexFor without the earliest-equal adjustment:
// the rightmost page whose first starting entry sorts at or before the
// probe. Descending scans start here so runs of equal keys spilling
// across pages are walked from their last page backwards.
func (ps *pageSet) pageIndexUpper(probe [][]byte) (int, bool, error) {
	n := len(ps.m.Pages)
	if n == 0 {
		return 0, false, nil
	}
	lo, err := ps.searchPages(probe)
	if err != nil {
		return 0, false, err
	}
	if lo == 0 {
		return 0, false, nil
	}
	idx := lo - 1
	for idx > 0 {
		if _, ok, err := ps.probeKeys(idx, len(probe)); err != nil {
			return 0, false, err
		} else if ok {
			break
		}
		idx--
	}
	return idx, true, nil
}

// posEntry is an assembled entry together with the page it starts in.
type posEntry struct {
	pageIdx  int
	blockIdx int
	e        *entry
}

// entriesStartingIn assembles every entry whose first block lies in page
// pi, in order.
func (ps *pageSet) entriesStartingIn(pi int) ([]posEntry, error) {
	p, err := ps.page(pi)
	if err != nil {
		return nil, err
	}
	var out []posEntry
	for bi, b := range p.blocks {
		if !b.startsEntry() {
			continue
		}
		e, err := ps.assembleAt(pi, bi)
		if err != nil {
			return nil, err
		}
		out = append(out, posEntry{pageIdx: pi, blockIdx: bi, e: e})
	}
	return out, nil
}

// findEntry locates the entry exactly matching the probe tuple.
func (ps *pageSet) findEntry(probe [][]byte) (*posEntry, error) {
	pi, ok, err := ps.pageIndexFor(probe, false)
	if err != nil || !ok {
		return nil, err
	}
	entries, err := ps.entriesStartingIn(pi)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if compareTuple(entries[i].e.headers, probe) == 0 {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// span is the contiguous page range a mutation rebuilds: the smallest
// range no entry crosses in or out of.
type span struct {
	start, end int // inclusive; end < start means the index is empty
}

// spanAround widens [pi, pi] until no block chain crosses its edges.
func (ps *pageSet) spanAround(pi int) (span, error) {
	s := span{start: pi, end: pi}
	for s.start > 0 {
		p, err := ps.page(s.start)
		if err != nil {
			return s, err
		}
		if len(p.blocks) > 0 && p.blocks[0].startsEntry() {
			break
		}
		s.start--
	}
	for s.end < len(ps.m.Pages)-1 {
		p, err := ps.page(s.end)
		if err != nil {
			return s, err
		}
		last := p.blocks[len(p.blocks)-1]
		if last.endsEntry() {
			break
		}
		s.end++
	}
	return s, nil
}

// mutation rewrites the span's entry sequence. It returns the new
// sequence and the entry-count delta.
type mutation func(entries []*entry) ([]*entry, int64)

// rewrite applies a CoW mutation around page pi: the affected span is
// re-packed into fresh pages and the manifest's refs are spliced. The
// new pages are returned for the caller to stage; the returned manifest
// carries a fresh dated identifier.
func (ps *pageSet) rewrite(pi int, capacity int, mut mutation) (*indexManifest, []*page, error) {
	var live []*entry
	s := span{start: 0, end: -1}
	if len(ps.m.Pages) > 0 {
		var err error
		if s, err = ps.spanAround(pi); err != nil {
			return nil, nil, err
		}
		for pj := s.start; pj <= s.end; pj++ {
			entries, err := ps.entriesStartingIn(pj)
			if err != nil {
				return nil, nil, err
			}
			for _, pe := range entries {
				live = append(live, pe.e)
			}
		}
	}
	next, delta := mut(live)

	pb := newPageBuilder(capacity)
	for _, e := range next {
		if err := pb.add(encodeEntry(e.headers, e.content)); err != nil {
			return nil, nil, err
		}
	}
	fresh := pb.finish()

	m := &indexManifest{ID: datedID(), Count: ps.m.Count + delta}
	if len(ps.m.Pages) > 0 {
		m.Pages = append(m.Pages, ps.m.Pages[:s.start]...)
	}
	// Refs for fresh pages are completed by the caller once the pages
	// are encoded (size and digest depend on the file bytes).
	for _, p := range fresh {
		m.Pages = append(m.Pages, pageRef{ID: p.id})
	}
	if len(ps.m.Pages) > 0 && s.end+1 < len(ps.m.Pages) {
		m.Pages = append(m.Pages, ps.m.Pages[s.end+1:]...)
	}
	return m, fresh, nil
}

// insert adds a new entry ordered by its first arity headers, returning
// the spliced manifest and fresh pages. Existing entries with an equal
// tuple are replaced (overwrite).
func (ps *pageSet) insert(e *entry, arity, capacity int) (*indexManifest, []*page, error) {
	probe := e.headers[:arity]
	pi := 0
	if len(ps.m.Pages) > 0 {
		idx, ok, err := ps.pageIndexFor(probe, false)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			pi = idx
		}
	}
	return ps.rewrite(pi, capacity, func(entries []*entry) ([]*entry, int64) {
		out := make([]*entry, 0, len(entries)+1)
		var delta int64 = 1
		placed := false
		for _, cur := range entries {
			c := compareTuple(cur.headers, probe)
			if c == 0 {
				// Overwrite in place.
				out = append(out, e)
				placed = true
				delta = 0
				continue
			}
			if c > 0 && !placed {
				out = append(out, e)
				placed = true
			}
			out = append(out, cur)
		}
		if !placed {
			out = append(out, e)
		}
		return out, delta
	})
}

// remove deletes the entry matching the probe tuple. The bool result
// reports whether anything was removed.
func (ps *pageSet) remove(probe [][]byte, capacity int) (*indexManifest, []*page, bool, error) {
	if len(ps.m.Pages) == 0 {
		return nil, nil, false, nil
	}
	pi, ok, err := ps.pageIndexFor(probe, false)
	if err != nil {
		return nil, nil, false, err
	}
	if !ok {
		return nil, nil, false, nil
	}
	removed := false
	m, fresh, err := ps.rewrite(pi, capacity, func(entries []*entry) ([]*entry, int64) {
		out := make([]*entry, 0, len(entries))
		var delta int64
		for _, cur := range entries {
			if !removed && compareTuple(cur.headers, probe) == 0 {
				removed = true
				delta = -1
				continue
			}
			out = append(out, cur)
		}
		return out, delta
	})
	if err != nil {
		return nil, nil, false, err
	}
	if !removed {
		return nil, nil, false, nil
	}
	return m, fresh, true, nil
}
