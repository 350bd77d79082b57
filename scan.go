// Ordered range scans over an index.
//
// Scans are lazy pull streams: an iter.Seq2
// that loads pages on demand as the consumer advances. The stream holds
// its originating transaction's read view open; consuming it after the
// transaction ends fails with ErrStaleReadView.
package quire

import "iter"

// Order selects scan direction.
type Order int

const (
	Ascending Order = iota
	Descending
)

type boundKind int

const (
	boundNone boundKind = iota
	boundInclude
	boundExclude
)

// Bound is one end of a range: a key tuple and whether the matching
// entries themselves are in or out.
type Bound struct {
	keys [][]byte
	kind boundKind
}

// Range bounds a scan. The zero value is unbounded on both ends.
type Range struct {
	lower, upper Bound
}

// RangeAll matches every entry.
func RangeAll() Range { return Range{} }

// Between matches keys in [lo, hi): lo inclusive, hi exclusive.
func Between(lo, hi Key) Range {
	return Range{
		lower: Bound{keys: [][]byte{lo}, kind: boundInclude},
		upper: Bound{keys: [][]byte{hi}, kind: boundExclude},
	}
}

// Through matches keys in [lo, hi]: both inclusive.
func Through(lo, hi Key) Range {
	return Range{
		lower: Bound{keys: [][]byte{lo}, kind: boundInclude},
		upper: Bound{keys: [][]byte{hi}, kind: boundInclude},
	}
}

// After matches keys in (lo, hi]: lo exclusive, hi inclusive.
func After(lo, hi Key) Range {
	return Range{
		lower: Bound{keys: [][]byte{lo}, kind: boundExclude},
		upper: Bound{keys: [][]byte{hi}, kind: boundInclude},
	}
}

// From matches keys at or above lo.
func From(lo Key) Range {
	return Range{lower: Bound{keys: [][]byte{lo}, kind: boundInclude}}
}

// Upto matches keys below hi.
func Upto(hi Key) Range {
	return Range{upper: Bound{keys: [][]byte{hi}, kind: boundExclude}}
}

// validate rejects inverted ranges: an empty half-open range is legal
// (a..<a yields nothing) but crossing bounds are a caller error, as is
// an exclusive-low range whose bounds touch.
func (r Range) validate() error {
	if r.lower.kind == boundNone || r.upper.kind == boundNone {
		return nil
	}
	c := compareTuple(r.lower.keys, r.upper.keys)
	if c > 0 {
		return ErrInvalidRange
	}
	if c == 0 && r.lower.kind == boundExclude {
		return ErrInvalidRange
	}
	return nil
}

// admits reports where the entry's tuple falls relative to the range:
// -1 below the lower bound, 0 inside, +1 above the upper bound.
func (r Range) admits(headers [][]byte) int {
	if r.lower.kind != boundNone {
		c := compareTuple(headers, r.lower.keys)
		if c < 0 || (c == 0 && r.lower.kind == boundExclude) {
			return -1
		}
	}
	if r.upper.kind != boundNone {
		c := compareTuple(headers, r.upper.keys)
		if c > 0 || (c == 0 && r.upper.kind == boundExclude) {
			return 1
		}
	}
	return 0
}

// stream yields entries whose key tuple falls inside rng, in the given
// order. Page loading happens between yields, so an abandoned consumer
// stops all further I/O.
func (ps *pageSet) stream(rng Range, order Order) iter.Seq2[*entry, error] {
	return func(yield func(*entry, error) bool) {
		if err := rng.validate(); err != nil {
			yield(nil, err)
			return
		}
		n := len(ps.m.Pages)
		if n == 0 {
			return
		}
		if order == Ascending {
			start := 0
			if rng.lower.kind != boundNone {
				if idx, ok, err := ps.pageIndexFor(rng.lower.keys, false); err != nil {
					yield(nil, err)
					return
				} else if ok {
					start = idx
				}
			}
			for pi := start; pi < n; pi++ {
				entries, err := ps.entriesStartingIn(pi)
				if err != nil {
					yield(nil, err)
					return
				}
				for _, pe := range entries {
					switch rng.admits(pe.e.headers) {
					case -1:
						continue
					case 1:
						return
					}
					if !yield(pe.e, nil) {
						return
					}
				}
			}
			return
		}
		start := n - 1
		if rng.upper.kind != boundNone {
			if idx, ok, err := ps.pageIndexUpper(rng.upper.keys); err != nil {
				yield(nil, err)
				return
			} else if ok {
				start = idx
			} else {
				// Upper bound sorts before every entry.
				return
			}
		}
		for pi := start; pi >= 0; pi-- {
			entries, err := ps.entriesStartingIn(pi)
			if err != nil {
				yield(nil, err)
				return
			}
			for i := len(entries) - 1; i >= 0; i-- {
				pe := entries[i]
				switch rng.admits(pe.e.headers) {
				case 1:
					continue
				case -1:
					return
				}
				if !yield(pe.e, nil) {
					return
				}
			}
		}
	}
}
