// Datastore operations.
//
// A Datastore is a typed collection bound to one persistence. All
// operations run inside a transaction: either the ambient one carried
// by the context (when called inside View/Update) or an implicit one
// opened for the call. Writes stage CoW state; reads see the pinned
// iteration plus any staged state of their own transaction.
package quire

import (
	"context"
	"fmt"
	"iter"
	"sync"
)

// Item is one scanned element: the identifier and the decoded value.
type Item struct {
	ID    Key
	Value any
}

// Datastore is a handle to one typed collection.
type Datastore struct {
	p      *Persistence
	id     string
	schema *Schema

	mu     sync.Mutex
	warmed bool
}

// Datastore returns a handle to the named collection. The schema is
// validated but not reconciled against disk until the first write or an
// explicit WarmUp.
func (p *Persistence) Datastore(id string, schema *Schema) (*Datastore, error) {
	if id == "" {
		return nil, ErrBundleIDMissing
	}
	clean := filterName(id)
	if clean == "" {
		return nil, fmt.Errorf("datastore id %q has no usable characters", id)
	}
	if err := schema.validate(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	return &Datastore{p: p, id: clean, schema: schema}, nil
}

// filterName keeps [A-Za-z0-9 _-], the characters safe in every
// filesystem the layout targets.
func filterName(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == ' ', c == '_', c == '-':
			out = append(out, c)
		}
	}
	return string(out)
}

// ID returns the datastore's identifier as used on disk.
func (d *Datastore) ID() string { return d.id }

// withRead runs fn in the ambient transaction or an implicit read one.
func (d *Datastore) withRead(ctx context.Context, fn func(ctx context.Context, tx *Txn) error) error {
	if tx := txnFrom(ctx, d.p); tx != nil {
		if tx.done {
			return ErrStaleReadView
		}
		return fn(ctx, tx)
	}
	return d.p.View(ctx, fn)
}

// withWrite runs fn in the ambient transaction (which must be writable)
// or an implicit write one.
func (d *Datastore) withWrite(ctx context.Context, fn func(ctx context.Context, tx *Txn) error) error {
	if tx := txnFrom(ctx, d.p); tx != nil {
		if tx.done {
			return ErrStaleReadView
		}
		if !tx.writable {
			return ErrNestedStoreWrite
		}
		return fn(ctx, tx)
	}
	return d.p.Update(ctx, fn)
}

// ensureWarm reconciles the persisted descriptor with the live schema
// once per handle, inside the given write transaction.
func (d *Datastore) ensureWarm(ctx context.Context, tx *Txn) error {
	d.mu.Lock()
	warmed := d.warmed
	d.mu.Unlock()
	if warmed {
		return nil
	}
	if err := d.warmUp(ctx, tx, nil); err != nil {
		return err
	}
	d.mu.Lock()
	d.warmed = true
	d.mu.Unlock()
	return nil
}

// decodeInstance decodes an instance from its persisted version.
func (d *Datastore) decodeInstance(versionRaw, content []byte) (any, error) {
	v, err := d.schema.versionFor(versionRaw)
	if err != nil {
		return nil, err
	}
	value, err := d.schema.Decode(v, content)
	if err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	return value, nil
}

// Persist creates or replaces the instance stored under id and updates
// every secondary index. Emits a created or updated event on commit.
func (d *Datastore) Persist(ctx context.Context, id Key, value any) error {
	return d.withWrite(ctx, func(ctx context.Context, tx *Txn) error {
		if err := d.ensureWarm(ctx, tx); err != nil {
			return err
		}
		ops, wr, err := tx.ops(d.id, true)
		if err != nil {
			return err
		}
		content, err := d.schema.Encode(value)
		if err != nil {
			return fmt.Errorf("encode instance: %w", err)
		}
		version := d.schema.currentVersion().raw

		old, err := ops.primaryPut(id, version, content)
		if err != nil {
			return err
		}
		var oldValue any
		if old != nil {
			if oldValue, err = d.decodeInstance(old.headers[1], old.content); err != nil {
				return err
			}
		}
		if err := d.updateIndexes(ops, id, version, content, value, oldValue, old != nil); err != nil {
			return err
		}
		wr.dirty = true

		ev := Event{Datastore: d.id, Kind: Created, ID: id, After: content}
		if old != nil {
			ev.Kind = Updated
			ev.Before = old.content
		}
		tx.events = append(tx.events, ev)
		return nil
	})
}

// updateIndexes reconciles every secondary index after a primary write.
// Reference entries for surviving values are untouched; direct entries
// are rewritten because they duplicate the instance bytes.
func (d *Datastore) updateIndexes(ops *rootOps, id Key, version, content []byte, value, oldValue any, hadOld bool) error {
	for _, decl := range d.schema.Indexes {
		newKeys := decl.Representation.ValuesFor(value)
		if hadOld {
			for _, oldKey := range decl.Representation.ValuesFor(oldValue) {
				if !containsKey(newKeys, oldKey) {
					if err := ops.secondaryDelete(decl.Name, oldKey, id); err != nil {
						return err
					}
				}
			}
		}
		for _, k := range newKeys {
			if decl.Storage == Direct {
				if err := ops.secondaryPut(decl.Name, k, id, version, content); err != nil {
					return err
				}
			} else if !hadOld || !containsKey(decl.Representation.ValuesFor(oldValue), k) {
				if err := ops.secondaryPut(decl.Name, k, id, version, nil); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func containsKey(keys []Key, k Key) bool {
	for _, c := range keys {
		if c.Equal(k) {
			return true
		}
	}
	return false
}

// Load returns the decoded instance for id, or nil when absent.
func (d *Datastore) Load(ctx context.Context, id Key) (any, error) {
	var out any
	err := d.withRead(ctx, func(_ context.Context, tx *Txn) error {
		ops, _, err := tx.ops(d.id, false)
		if err != nil || ops == nil {
			return err
		}
		e, err := ops.primaryGet(id)
		if err != nil || e == nil {
			return err
		}
		out, err = d.decodeInstance(e.headers[1], e.content)
		return err
	})
	return out, err
}

// Delete removes the instance stored under id, failing with
// ErrInstanceNotFound when absent.
func (d *Datastore) Delete(ctx context.Context, id Key) error {
	removed, err := d.remove(ctx, id)
	if err != nil {
		return err
	}
	if removed == nil {
		return ErrInstanceNotFound
	}
	return nil
}

// DeleteIfPresent removes the instance stored under id if one exists,
// returning the decoded removed value or nil. A miss is a no-op.
func (d *Datastore) DeleteIfPresent(ctx context.Context, id Key) (any, error) {
	return d.remove(ctx, id)
}

func (d *Datastore) remove(ctx context.Context, id Key) (any, error) {
	var out any
	err := d.withWrite(ctx, func(ctx context.Context, tx *Txn) error {
		if err := d.ensureWarm(ctx, tx); err != nil {
			return err
		}
		ops, wr, err := tx.ops(d.id, true)
		if err != nil {
			return err
		}
		old, err := ops.primaryDelete(id)
		if err != nil || old == nil {
			return err
		}
		oldValue, err := d.decodeInstance(old.headers[1], old.content)
		if err != nil {
			return err
		}
		for _, decl := range d.schema.Indexes {
			for _, k := range decl.Representation.ValuesFor(oldValue) {
				if err := ops.secondaryDelete(decl.Name, k, id); err != nil {
					return err
				}
			}
		}
		wr.dirty = true
		out = oldValue
		tx.events = append(tx.events, Event{Datastore: d.id, Kind: Deleted, ID: id, Before: old.content})
		return nil
	})
	return out, err
}

// Count returns the number of live instances.
func (d *Datastore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := d.withRead(ctx, func(_ context.Context, tx *Txn) error {
		_, wr, err := tx.ops(d.id, false)
		if err != nil || wr == nil {
			return err
		}
		n = wr.root.Size
		return nil
	})
	return n, err
}

// Scan streams instances in identifier order within rng. Outside a
// transaction the stream pins the current iteration for its lifetime;
// inside one it is bound to that transaction and fails with
// ErrStaleReadView once the transaction ends.
func (d *Datastore) Scan(ctx context.Context, rng Range, order Order) iter.Seq2[Item, error] {
	return d.scanStream(ctx, func(ops *rootOps) (iter.Seq2[*entry, error], error) {
		return ops.scanPrimary(rng, order)
	}, func(e *entry) (Item, error) {
		value, err := d.decodeInstance(e.headers[1], e.content)
		return Item{ID: Key(e.headers[0]), Value: value}, err
	})
}

// ScanIndex streams instances ordered by the named secondary index
// within rng. Direct indexes decode their duplicated instance bytes;
// reference indexes chase the identifier into the primary index.
func (d *Datastore) ScanIndex(ctx context.Context, name string, rng Range, order Order) iter.Seq2[Item, error] {
	decl, declErr := d.schema.declaration(name)
	return func(yield func(Item, error) bool) {
		if declErr != nil {
			yield(Item{}, declErr)
			return
		}
		var ops *rootOps
		d.scanStream(ctx, func(o *rootOps) (iter.Seq2[*entry, error], error) {
			ops = o
			return o.scanIndex(name, rng, order)
		}, func(e *entry) (Item, error) {
			id := Key(e.headers[1])
			if decl.Storage == Direct {
				value, err := d.decodeInstance(e.headers[2], e.content)
				return Item{ID: id, Value: value}, err
			}
			pe, err := ops.primaryGet(id)
			if err != nil {
				return Item{}, err
			}
			if pe == nil {
				return Item{}, fmt.Errorf("%w: dangling reference for %x", ErrInstanceNotFound, []byte(id))
			}
			value, err := d.decodeInstance(pe.headers[1], pe.content)
			return Item{ID: id, Value: value}, err
		})(yield)
	}
}

// scanStream adapts an entry stream into an Item stream under the
// right transaction scope.
func (d *Datastore) scanStream(ctx context.Context, open func(*rootOps) (iter.Seq2[*entry, error], error), decode func(*entry) (Item, error)) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		run := func(_ context.Context, tx *Txn) error {
			ops, _, err := tx.ops(d.id, false)
			if err != nil {
				return err
			}
			if ops == nil {
				return nil // never initialized: empty
			}
			stream, err := open(ops)
			if err != nil {
				return err
			}
			for e, err := range stream {
				if err != nil {
					yield(Item{}, err)
					return nil
				}
				if tx.done {
					yield(Item{}, ErrStaleReadView)
					return nil
				}
				item, err := decode(e)
				if err != nil {
					yield(Item{}, err)
					return nil
				}
				if !yield(item, nil) {
					return nil
				}
			}
			return nil
		}
		if err := d.withRead(ctx, run); err != nil {
			yield(Item{}, err)
		}
	}
}

// Observe subscribes to this datastore's committed change events.
func (d *Datastore) Observe() *Subscription {
	return d.p.bus.subscribe(d.id)
}

// Reset discards every instance and empties all indexes.
func (d *Datastore) Reset(ctx context.Context) error {
	return d.withWrite(ctx, func(ctx context.Context, tx *Txn) error {
		if err := d.ensureWarm(ctx, tx); err != nil {
			return err
		}
		ops, wr, err := tx.ops(d.id, true)
		if err != nil {
			return err
		}
		if err := ops.resetPrimary(d.schema); err != nil {
			return err
		}
		wr.dirty = true
		return nil
	})
}

// Drop removes the datastore from the next iteration entirely; its
// files become unreachable and are reclaimed by GC.
func (d *Datastore) Drop(ctx context.Context) error {
	return d.withWrite(ctx, func(_ context.Context, tx *Txn) error {
		tx.removed[d.id] = true
		delete(tx.working, d.id)
		return nil
	})
}
