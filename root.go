// Datastore roots and the operations the coordinator exposes on them.
//
// A root names the current primary manifest, the manifest of every
// secondary index, the schema descriptor, and the entry count. Roots are
// immutable dated files; a transaction evolves a working copy in memory,
// staging new pages and manifests as it goes, and the final root is
// written once at commit.
package quire

import (
	"fmt"
	"iter"

	json "github.com/goccy/go-json"
)

// indexKind selects the directory an index manifest lives in.
type indexKind int

const (
	kindPrimary indexKind = iota
	kindDirect
	kindReference
)

// rootIndexRef names one secondary index inside a root.
type rootIndexRef struct {
	Storage  string `json:"storage"` // "direct" or "reference"
	Manifest string `json:"manifest"`
}

// datastoreRoot is the persisted root file.
type datastoreRoot struct {
	ID              string                  `json:"id"`
	PrimaryManifest string                  `json:"primaryManifest"`
	Indexes         map[string]rootIndexRef `json:"indexes,omitempty"`
	Descriptor      *schemaDescriptor       `json:"descriptor,omitempty"`
	Size            int64                   `json:"size"`
}

func decodeRoot(id string, data []byte) (*datastoreRoot, error) {
	var r datastoreRoot
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: root %s", ErrCorruptManifest, id)
	}
	r.ID = id
	return &r, nil
}

func (r *datastoreRoot) clone() *datastoreRoot {
	c := *r
	c.Indexes = make(map[string]rootIndexRef, len(r.Indexes))
	for k, v := range r.Indexes {
		c.Indexes[k] = v
	}
	return &c
}

// storageName maps a StorageKind to its persisted form.
func storageName(k StorageKind) string {
	if k == Direct {
		return "direct"
	}
	return "reference"
}

// rootFiles is the file context a root operation runs against. The
// transaction implements it with a staged-overlay view: files written
// earlier in the same transaction resolve before anything on disk.
type rootFiles interface {
	// loadManifest resolves a manifest id within the given index
	// directory of this datastore.
	loadManifest(kind indexKind, name, id string) (*indexManifest, error)

	// loadPage resolves a page ref from this datastore's page directory.
	loadPage(ref pageRef) (*page, error)

	// stagePages encodes and stages fresh pages, returning completed
	// refs (size and digest filled).
	stagePages(pages []*page) ([]pageRef, error)

	// stageManifest encodes and stages a manifest file.
	stageManifest(kind indexKind, name string, m *indexManifest) error

	// pageCapacity returns the configured page size.
	pageCapacity() int
}

// rootOps applies datastore operations to a working root.
type rootOps struct {
	files rootFiles
	root  *datastoreRoot
}

// pageSetFor opens the named index for searching and mutation.
func (ro *rootOps) pageSetFor(kind indexKind, name, manifestID string) (*pageSet, error) {
	m, err := ro.files.loadManifest(kind, name, manifestID)
	if err != nil {
		return nil, err
	}
	return newPageSet(m, ro.files.loadPage), nil
}

// fillRefs completes the placeholder refs rewrite left for fresh pages.
func fillRefs(m *indexManifest, staged []pageRef) {
	byID := make(map[string]pageRef, len(staged))
	for _, r := range staged {
		byID[r.ID] = r
	}
	for i, r := range m.Pages {
		if full, ok := byID[r.ID]; ok {
			m.Pages[i] = full
		}
	}
}

// stageMutation stages the pages and manifest produced by one index
// mutation, returning the new manifest id.
func (ro *rootOps) stageMutation(kind indexKind, name string, m *indexManifest, fresh []*page) (string, error) {
	refs, err := ro.files.stagePages(fresh)
	if err != nil {
		return "", err
	}
	fillRefs(m, refs)
	if err := ro.files.stageManifest(kind, name, m); err != nil {
		return "", err
	}
	return m.ID, nil
}

// ensurePrimary lazily creates an empty primary manifest.
func (ro *rootOps) ensurePrimary() error {
	if ro.root.PrimaryManifest != "" {
		return nil
	}
	m := emptyManifest()
	if err := ro.files.stageManifest(kindPrimary, "", m); err != nil {
		return err
	}
	ro.root.PrimaryManifest = m.ID
	return nil
}

// primaryGet returns the primary entry for an identifier, or nil. A
// definite bloom miss skips the page search entirely.
func (ro *rootOps) primaryGet(id Key) (*entry, error) {
	if ro.root.PrimaryManifest == "" {
		return nil, nil
	}
	ps, err := ro.pageSetFor(kindPrimary, "", ro.root.PrimaryManifest)
	if err != nil {
		return nil, err
	}
	if len(ps.m.Bloom) > 0 && !bloomContains(ps.m.Bloom, id) {
		return nil, nil
	}
	pe, err := ps.findEntry([][]byte{id})
	if err != nil || pe == nil {
		return nil, err
	}
	return pe.e, nil
}

// primaryPut inserts or overwrites the primary entry for an identifier,
// returning the previous entry if one existed.
func (ro *rootOps) primaryPut(id Key, version json.RawMessage, content []byte) (*entry, error) {
	if err := ro.ensurePrimary(); err != nil {
		return nil, err
	}
	ps, err := ro.pageSetFor(kindPrimary, "", ro.root.PrimaryManifest)
	if err != nil {
		return nil, err
	}
	old, err := ps.findEntry([][]byte{id})
	if err != nil {
		return nil, err
	}
	e := &entry{headers: [][]byte{id, version}, content: content}
	m, fresh, err := ps.insert(e, 1, ro.files.pageCapacity())
	if err != nil {
		return nil, err
	}
	// Widen the bloom only when the old one is trustworthy: a filter
	// grown from an empty index, or carried over intact. Grafting onto
	// a manifest that never had one would manufacture false negatives.
	if len(ps.m.Bloom) == bloomSize || ps.m.Count == 0 {
		m.Bloom = bloomAdd(ps.m.Bloom, id)
	}
	mid, err := ro.stageMutation(kindPrimary, "", m, fresh)
	if err != nil {
		return nil, err
	}
	ro.root.PrimaryManifest = mid
	ro.root.Size = m.Count
	if old == nil {
		return nil, nil
	}
	return old.e, nil
}

// primaryDelete removes the primary entry for an identifier, returning
// the removed entry or nil when absent.
func (ro *rootOps) primaryDelete(id Key) (*entry, error) {
	if ro.root.PrimaryManifest == "" {
		return nil, nil
	}
	ps, err := ro.pageSetFor(kindPrimary, "", ro.root.PrimaryManifest)
	if err != nil {
		return nil, err
	}
	old, err := ps.findEntry([][]byte{id})
	if err != nil || old == nil {
		return nil, err
	}
	m, fresh, removed, err := ps.remove([][]byte{id}, ro.files.pageCapacity())
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, nil
	}
	m.Bloom = ps.m.Bloom // deletions keep the filter; stale positives are harmless
	mid, err := ro.stageMutation(kindPrimary, "", m, fresh)
	if err != nil {
		return nil, err
	}
	ro.root.PrimaryManifest = mid
	ro.root.Size = m.Count
	return old.e, nil
}

// indexRef resolves a declared secondary index in the working root.
func (ro *rootOps) indexRef(name string) (rootIndexRef, indexKind, error) {
	ref, ok := ro.root.Indexes[name]
	if !ok {
		return rootIndexRef{}, 0, fmt.Errorf("%w: %s", ErrMissingIndex, name)
	}
	kind := kindReference
	if ref.Storage == "direct" {
		kind = kindDirect
	}
	return ref, kind, nil
}

// addIndex creates an empty manifest for a new secondary index.
func (ro *rootOps) addIndex(name string, storage StorageKind) error {
	kind := kindReference
	if storage == Direct {
		kind = kindDirect
	}
	m := emptyManifest()
	if err := ro.files.stageManifest(kind, name, m); err != nil {
		return err
	}
	if ro.root.Indexes == nil {
		ro.root.Indexes = make(map[string]rootIndexRef)
	}
	ro.root.Indexes[name] = rootIndexRef{Storage: storageName(storage), Manifest: m.ID}
	return nil
}

// deleteIndex drops a secondary index from the root. The manifest and
// its pages become unreachable and are collected by GC.
func (ro *rootOps) deleteIndex(name string) {
	delete(ro.root.Indexes, name)
}

// secondaryPut inserts one (value, identifier) entry into a secondary
// index. Direct indexes duplicate the instance bytes; reference indexes
// store the identifier alone.
func (ro *rootOps) secondaryPut(name string, value, id Key, version json.RawMessage, content []byte) error {
	ref, kind, err := ro.indexRef(name)
	if err != nil {
		return err
	}
	ps, err := ro.pageSetFor(kind, name, ref.Manifest)
	if err != nil {
		return err
	}
	var e *entry
	if kind == kindDirect {
		e = &entry{headers: [][]byte{value, id, version}, content: content}
	} else {
		e = &entry{headers: [][]byte{value, id}, content: id}
	}
	m, fresh, err := ps.insert(e, 2, ro.files.pageCapacity())
	if err != nil {
		return err
	}
	mid, err := ro.stageMutation(kind, name, m, fresh)
	if err != nil {
		return err
	}
	ref.Manifest = mid
	ro.root.Indexes[name] = ref
	return nil
}

// secondaryDelete removes one (value, identifier) entry.
func (ro *rootOps) secondaryDelete(name string, value, id Key) error {
	ref, kind, err := ro.indexRef(name)
	if err != nil {
		return err
	}
	ps, err := ro.pageSetFor(kind, name, ref.Manifest)
	if err != nil {
		return err
	}
	m, fresh, removed, err := ps.remove([][]byte{value, id}, ro.files.pageCapacity())
	if err != nil || !removed {
		return err
	}
	mid, err := ro.stageMutation(kind, name, m, fresh)
	if err != nil {
		return err
	}
	ref.Manifest = mid
	ro.root.Indexes[name] = ref
	return nil
}

// scanPrimary streams primary entries within rng.
func (ro *rootOps) scanPrimary(rng Range, order Order) (iter.Seq2[*entry, error], error) {
	if ro.root.PrimaryManifest == "" {
		return emptyStream(), nil
	}
	ps, err := ro.pageSetFor(kindPrimary, "", ro.root.PrimaryManifest)
	if err != nil {
		return nil, err
	}
	return ps.stream(rng, order), nil
}

// scanIndex streams secondary entries within rng.
func (ro *rootOps) scanIndex(name string, rng Range, order Order) (iter.Seq2[*entry, error], error) {
	ref, kind, err := ro.indexRef(name)
	if err != nil {
		return nil, err
	}
	ps, err := ro.pageSetFor(kind, name, ref.Manifest)
	if err != nil {
		return nil, err
	}
	return ps.stream(rng, order), nil
}

// resetPrimary discards every entry: fresh empty manifests for the
// primary and all secondary indexes.
func (ro *rootOps) resetPrimary(schema *Schema) error {
	m := emptyManifest()
	if err := ro.files.stageManifest(kindPrimary, "", m); err != nil {
		return err
	}
	ro.root.PrimaryManifest = m.ID
	ro.root.Size = 0
	for name := range ro.root.Indexes {
		decl, err := schema.declaration(name)
		if err != nil {
			return err
		}
		if err := ro.addIndex(name, decl.Storage); err != nil {
			return err
		}
	}
	return nil
}

func emptyStream() iter.Seq2[*entry, error] {
	return func(func(*entry, error) bool) {}
}
