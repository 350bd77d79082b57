// Transaction coordinator.
//
// One writer at a time per persistence, serialized through a FIFO
// queue; any number of readers, each pinned to the iteration that was
// current when it started. A write transaction stages every new file in
// memory and nothing touches disk until commit:
//
//  1. collect pages, manifests and roots produced by the transaction
//  2. land each at its dated path via inbox temp-file + rename + fsync
//  3. write and fsync the new iteration file
//  4. atomically rename the snapshot manifest onto the new iteration
//  5. deliver buffered observation events
//
// A failure before (4) leaves only unreferenced files behind — invisible
// to every reader and swept by the next GC pass.
package quire

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
)

// Options are transaction flags, composable as bits. Invalid bits are
// masked out.
type Options uint32

const (
	ReadOnly      Options = 0x1
	CollateWrites Options = 0x2
	Idempotent    Options = 0x4

	// Unsafe options.
	SkipObservations  Options = 0x10000
	EnforceDurability Options = 0x20000

	optionsMask = ReadOnly | CollateWrites | Idempotent | SkipObservations | EnforceDurability
)

// Txn is a transaction: a consistent view of the persistence plus, for
// writers, the staged state the commit will publish.
type Txn struct {
	p        *Persistence
	parent   *Txn
	opts     Options
	writable bool
	view     *iteration // nil for an empty store
	done     bool

	// Staged files, keyed by final relative path, in write order.
	staged map[string][]byte
	order  []string

	// Decoded staged artifacts, so reads inside the transaction don't
	// re-parse what the transaction itself produced.
	pages     map[string]*page         // by page id
	manifests map[string]*indexManifest // by manifest id
	rootsByID map[string]*datastoreRoot // by root id

	working map[string]*workingRoot // by datastore id
	removed map[string]bool         // datastores dropped this txn
	events  []Event
}

// workingRoot is a datastore root being evolved by a write transaction.
type workingRoot struct {
	root  *datastoreRoot
	dirty bool
}

type txnCtxKey struct{}

// txnFrom extracts the ambient transaction for this persistence, if the
// context carries one.
func txnFrom(ctx context.Context, p *Persistence) *Txn {
	tx, _ := ctx.Value(txnCtxKey{}).(*Txn)
	if tx != nil && tx.p == p {
		return tx
	}
	return nil
}

func newTxn(p *Persistence, parent *Txn, view *iteration, opts Options, writable bool) *Txn {
	return &Txn{
		p:         p,
		parent:    parent,
		opts:      opts,
		writable:  writable,
		view:      view,
		staged:    make(map[string][]byte),
		pages:     make(map[string]*page),
		manifests: make(map[string]*indexManifest),
		rootsByID: make(map[string]*datastoreRoot),
		working:   make(map[string]*workingRoot),
		removed:   make(map[string]bool),
	}
}

// View runs fn in a read-only transaction. Readers never block and are
// never blocked by the writer; the view is the iteration current at
// entry, held until fn returns. Nested inside any transaction on the
// same persistence, fn sees the parent's view (including its staged
// writes).
func (p *Persistence) View(ctx context.Context, fn func(ctx context.Context, tx *Txn) error) error {
	return p.transact(ctx, ReadOnly, fn)
}

// Update runs fn in a read-write transaction and commits its staged
// state atomically when fn returns nil. Nested inside a read-only
// transaction it fails with ErrNestedStoreWrite; nested inside a write
// transaction it becomes a child whose commit merges into the parent.
// Separate persistences nest freely.
func (p *Persistence) Update(ctx context.Context, fn func(ctx context.Context, tx *Txn) error) error {
	return p.transact(ctx, 0, fn)
}

// UpdateWith is Update with explicit transaction options.
func (p *Persistence) UpdateWith(ctx context.Context, opts Options, fn func(ctx context.Context, tx *Txn) error) error {
	return p.transact(ctx, opts&^ReadOnly, fn)
}

func (p *Persistence) transact(ctx context.Context, opts Options, fn func(ctx context.Context, tx *Txn) error) error {
	opts &= optionsMask
	writable := opts&ReadOnly == 0

	if parent := txnFrom(ctx, p); parent != nil {
		return p.nested(ctx, parent, opts, writable, fn)
	}
	if writable {
		return p.topLevelWrite(ctx, opts, fn)
	}
	return p.topLevelRead(ctx, opts, fn)
}

// nested runs fn as a child transaction of parent.
func (p *Persistence) nested(ctx context.Context, parent *Txn, opts Options, writable bool, fn func(ctx context.Context, tx *Txn) error) error {
	if parent.done {
		return ErrNestedSnapshotWrite
	}
	if writable && !parent.writable {
		return ErrNestedStoreWrite
	}
	child := newTxn(p, parent, parent.view, opts, writable)
	err := fn(context.WithValue(ctx, txnCtxKey{}, child), child)
	child.done = true
	if err != nil || !writable {
		return err
	}
	child.mergeInto(parent)
	return nil
}

// mergeInto folds a committed child's staged state into its parent.
func (tx *Txn) mergeInto(parent *Txn) {
	for _, pth := range tx.order {
		if _, dup := parent.staged[pth]; !dup {
			parent.order = append(parent.order, pth)
		}
		parent.staged[pth] = tx.staged[pth]
	}
	for id, pg := range tx.pages {
		parent.pages[id] = pg
	}
	for id, m := range tx.manifests {
		parent.manifests[id] = m
	}
	for id, r := range tx.rootsByID {
		parent.rootsByID[id] = r
	}
	for ds, wr := range tx.working {
		parent.working[ds] = wr
	}
	for ds := range tx.removed {
		parent.removed[ds] = true
		delete(parent.working, ds)
	}
	parent.events = append(parent.events, tx.events...)
}

func (p *Persistence) topLevelRead(ctx context.Context, opts Options, fn func(ctx context.Context, tx *Txn) error) error {
	view, err := p.pinCurrent()
	if err != nil {
		return err
	}
	defer p.unpin(view)
	tx := newTxn(p, nil, view, opts, false)
	err = fn(context.WithValue(ctx, txnCtxKey{}, tx), tx)
	tx.done = true
	return err
}

func (p *Persistence) topLevelWrite(ctx context.Context, opts Options, fn func(ctx context.Context, tx *Txn) error) error {
	// FIFO writer queue: blocked acquirers are served in arrival order.
	if err := p.writers.acquire(ctx); err != nil {
		return err
	}
	defer p.writers.release()

	view, err := p.pinCurrent()
	if err != nil {
		return err
	}
	defer p.unpin(view)

	tx := newTxn(p, nil, view, opts, true)
	if err := fn(context.WithValue(ctx, txnCtxKey{}, tx), tx); err != nil {
		tx.done = true
		return err
	}
	if err := ctx.Err(); err != nil {
		// Cancelled before the pointer swing: the staged set is
		// discarded, nothing is visible.
		tx.done = true
		return err
	}
	err = tx.commit()
	tx.done = true
	return err
}

// fileBytes resolves a staged file through the transaction chain.
func (tx *Txn) fileBytes(pth string) ([]byte, bool) {
	for t := tx; t != nil; t = t.parent {
		if data, ok := t.staged[pth]; ok {
			return data, true
		}
	}
	return nil, false
}

func (tx *Txn) stagedPage(id string) (*page, bool) {
	for t := tx; t != nil; t = t.parent {
		if p, ok := t.pages[id]; ok {
			return p, true
		}
	}
	return nil, false
}

func (tx *Txn) stagedManifest(id string) (*indexManifest, bool) {
	for t := tx; t != nil; t = t.parent {
		if m, ok := t.manifests[id]; ok {
			return m, true
		}
	}
	return nil, false
}

// stage records a file for commit.
func (tx *Txn) stage(pth string, data []byte) {
	if _, dup := tx.staged[pth]; !dup {
		tx.order = append(tx.order, pth)
	}
	tx.staged[pth] = data
}

// rootFor resolves a datastore's working root, cloning it into this
// transaction on first touch. With create unset, a datastore absent
// from the view yields nil.
func (tx *Txn) rootFor(ds string, create bool) (*workingRoot, error) {
	if tx.isRemoved(ds) && !create {
		return nil, nil
	}
	if wr, ok := tx.working[ds]; ok {
		return wr, nil
	}
	for t := tx.parent; t != nil; t = t.parent {
		if wr, ok := t.working[ds]; ok {
			if !tx.writable {
				return wr, nil
			}
			clone := &workingRoot{root: wr.root.clone(), dirty: wr.dirty}
			tx.working[ds] = clone
			return clone, nil
		}
	}
	var base *datastoreRoot
	if tx.view != nil && !tx.isRemoved(ds) {
		if rootID, ok := tx.view.Roots[ds]; ok {
			r, err := tx.loadRoot(ds, rootID)
			if err != nil {
				return nil, err
			}
			base = r.clone()
		}
	}
	if base == nil {
		if !create {
			return nil, nil
		}
		base = &datastoreRoot{Indexes: map[string]rootIndexRef{}}
	}
	wr := &workingRoot{root: base}
	if tx.writable {
		tx.working[ds] = wr
	}
	return wr, nil
}

func (tx *Txn) isRemoved(ds string) bool {
	for t := tx; t != nil; t = t.parent {
		if t.removed[ds] {
			return true
		}
	}
	return false
}

// loadRoot reads a root file, consulting staged state first.
func (tx *Txn) loadRoot(ds, id string) (*datastoreRoot, error) {
	for t := tx; t != nil; t = t.parent {
		if r, ok := t.rootsByID[id]; ok {
			return r, nil
		}
	}
	pth := tx.p.paths.root(ds, id)
	if data, ok := tx.fileBytes(pth); ok {
		return decodeRoot(id, data)
	}
	data, err := tx.p.root.ReadFile(pth)
	if err != nil {
		return nil, fmt.Errorf("load root %s: %w", id, err)
	}
	return decodeRoot(id, data)
}

// dsFiles adapts a transaction to the rootFiles contract for one
// datastore.
type dsFiles struct {
	tx *Txn
	ds string
}

func (f dsFiles) pageCapacity() int { return f.tx.p.cfg.PageSize }

func (f dsFiles) loadManifest(kind indexKind, name, id string) (*indexManifest, error) {
	if m, ok := f.tx.stagedManifest(id); ok {
		return m, nil
	}
	pth := f.tx.p.paths.manifestFile(f.ds, kind, name, id)
	if data, ok := f.tx.fileBytes(pth); ok {
		return decodeManifest(id, data)
	}
	return f.tx.p.cache.manifest(id, func() (*indexManifest, error) {
		data, err := f.tx.p.root.ReadFile(pth)
		if err != nil {
			return nil, fmt.Errorf("load manifest %s: %w", id, err)
		}
		return decodeManifest(id, data)
	})
}

func (f dsFiles) loadPage(ref pageRef) (*page, error) {
	if p, ok := f.tx.stagedPage(ref.ID); ok {
		return p, nil
	}
	pth := f.tx.p.paths.page(f.ds, ref.ID)
	if data, ok := f.tx.fileBytes(pth); ok {
		return decodePage(ref.ID, data)
	}
	return f.tx.p.cache.page(ref.ID, func() (*page, error) {
		data, err := f.tx.p.root.ReadFile(pth)
		if err != nil {
			return nil, fmt.Errorf("load page %s: %w", ref.ID, err)
		}
		if err := verifyDigest(data, ref.Digest); err != nil {
			return nil, err
		}
		return decodePage(ref.ID, data)
	})
}

func (f dsFiles) stagePages(pages []*page) ([]pageRef, error) {
	refs := make([]pageRef, 0, len(pages))
	for _, pg := range pages {
		encoded := encodePage(pg, f.tx.p.cfg.CompressPages)
		f.tx.stage(f.tx.p.paths.page(f.ds, pg.id), encoded)
		f.tx.pages[pg.id] = pg
		refs = append(refs, refFor(pg, encoded, f.tx.p.cfg.DigestAlgorithm))
	}
	return refs, nil
}

func (f dsFiles) stageManifest(kind indexKind, name string, m *indexManifest) error {
	data, err := encodeManifest(m)
	if err != nil {
		return err
	}
	f.tx.stage(f.tx.p.paths.manifestFile(f.ds, kind, name, m.ID), data)
	f.tx.manifests[m.ID] = m
	return nil
}

// verifyDigest checks page bytes against a recorded digest under either
// supported algorithm, so reopening a store with a different configured
// algorithm keeps its existing pages readable.
func verifyDigest(data []byte, want string) error {
	if want == "" {
		return nil
	}
	if digest(data, AlgXXHash3) == want || digest(data, AlgBlake2b) == want {
		return nil
	}
	return ErrCorruptPage
}

// ops returns the root operation set for a datastore within this
// transaction, creating the working root when create is set.
func (tx *Txn) ops(ds string, create bool) (*rootOps, *workingRoot, error) {
	wr, err := tx.rootFor(ds, create)
	if err != nil || wr == nil {
		return nil, nil, err
	}
	return &rootOps{files: dsFiles{tx: tx, ds: ds}, root: wr.root}, wr, nil
}

// commit publishes a top-level write transaction: steps 1–5 of the
// protocol. Called with the writer queue held.
func (tx *Txn) commit() error {
	p := tx.p
	log := p.log.With().Str("component", "txn").Logger()

	roots := make(map[string]string)
	if tx.view != nil {
		for ds, id := range tx.view.Roots {
			roots[ds] = id
		}
	}
	changed := false
	for ds := range tx.removed {
		if _, ok := roots[ds]; ok {
			delete(roots, ds)
			changed = true
		}
	}
	for ds, wr := range tx.working {
		if !wr.dirty {
			continue
		}
		wr.root.ID = datedID()
		data, err := json.Marshal(wr.root)
		if err != nil {
			return fmt.Errorf("encode root for %s: %w", ds, err)
		}
		tx.stage(p.paths.root(ds, wr.root.ID), data)
		roots[ds] = wr.root.ID
		changed = true
	}
	if !changed {
		// Nothing to publish; a read-only body under Update.
		return nil
	}

	syncDirs := p.cfg.SyncWrites || tx.opts&EnforceDurability != 0

	// Step 2: land every staged file at its final path.
	for _, pth := range tx.order {
		if err := writeDurable(p.root, p.paths.inbox(), pth, tx.staged[pth], syncDirs); err != nil {
			return err
		}
	}

	// Step 3: the iteration naming the new roots.
	it := successor(tx.view, roots)
	itData, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("encode iteration: %w", err)
	}
	if err := writeDurable(p.root, p.paths.inbox(), p.paths.iteration(it.ID), itData, syncDirs); err != nil {
		return err
	}

	// Step 4: the atomic pointer swing.
	if err := p.swingManifest(it.ID, syncDirs); err != nil {
		return err
	}
	p.setCurrent(it)
	log.Debug().Str("iteration", it.ID).Int("files", len(tx.order)).Msg("committed")

	// Step 5: observations, strictly after the commit became visible.
	// Emitted while the writer queue is still held so cross-transaction
	// delivery order equals commit order.
	if tx.opts&SkipObservations == 0 && len(tx.events) > 0 {
		p.bus.publish(tx.events)
	}
	return nil
}
