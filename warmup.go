// Warm-up and migration.
//
// Warm-up reconciles the persisted schema descriptor with the live
// schema under a single write transaction: indexes that changed type or
// storage are dropped and rebuilt, new ones are built, vanished ones
// are deleted, and an identifier-type change rebuilds the primary
// itself. Rebuilding streams every primary entry in ascending order,
// decoding with the version that wrote it and re-emitting into each
// queued index.
package quire

import (
	"context"
	"fmt"
)

// WarmUp reconciles the datastore against its persisted descriptor,
// reporting progress to handler (which may be nil). It is run
// implicitly before the first write on a handle; calling it explicitly
// surfaces migration cost and progress.
func (d *Datastore) WarmUp(ctx context.Context, handler ProgressHandler) error {
	return d.withWrite(ctx, func(ctx context.Context, tx *Txn) error {
		if err := d.warmUp(ctx, tx, handler); err != nil {
			return err
		}
		d.mu.Lock()
		d.warmed = true
		d.mu.Unlock()
		return nil
	})
}

func (d *Datastore) warmUp(ctx context.Context, tx *Txn, handler ProgressHandler) error {
	log := d.p.log.With().Str("component", "warmup").Str("datastore", d.id).Logger()
	handler.report(Evaluating())

	ops, wr, err := tx.ops(d.id, true)
	if err != nil {
		return err
	}
	live := descriptorFor(d.schema)
	persisted := ops.root.Descriptor

	if persisted == nil || len(persisted.Version) == 0 {
		// First use: install the live descriptor and empty indexes.
		if err := ops.ensurePrimary(); err != nil {
			return err
		}
		for _, decl := range d.schema.Indexes {
			if err := ops.addIndex(decl.Name, decl.Storage); err != nil {
				return err
			}
		}
		ops.root.Descriptor = live
		wr.dirty = true
		log.Debug().Msg("installed live descriptor")
		handler.report(Complete(0))
		return nil
	}

	if _, err := d.schema.versionFor(persisted.Version); err != nil {
		return fmt.Errorf("%w: persisted %s is newer than any declared version",
			ErrIncompatibleVersion, string(persisted.Version))
	}

	if persisted.equal(live) {
		handler.report(Complete(0))
		return nil
	}

	diff := diffDescriptors(persisted, live)
	if diff.rebuildPrimary && d.schema.Identify == nil {
		return fmt.Errorf("identifier type changed from %q to %q but schema has no Identify function",
			persisted.IdentifierType, live.IdentifierType)
	}

	for _, name := range diff.drop {
		ops.deleteIndex(name)
	}

	// An identifier change invalidates every index, kept or not.
	queue := diff.build
	if diff.rebuildPrimary {
		queue = queue[:0]
		for _, decl := range d.schema.Indexes {
			queue = append(queue, decl.Name)
		}
	}

	var decls []IndexDeclaration
	for _, name := range queue {
		decl, err := d.schema.declaration(name)
		if err != nil {
			return err
		}
		if err := ops.addIndex(decl.Name, decl.Storage); err != nil {
			return err
		}
		decls = append(decls, decl)
	}
	ops.root.Descriptor = live
	wr.dirty = true

	if !diff.rebuildPrimary && len(decls) == 0 {
		handler.report(Complete(0))
		return nil
	}
	log.Info().Int("indexes", len(decls)).Bool("primary", diff.rebuildPrimary).Msg("rebuilding")
	return d.rebuild(ctx, ops, decls, diff.rebuildPrimary, handler)
}

// rebuild streams the primary ascending and re-emits each instance into
// the queued indexes, rewriting the primary itself when requested.
func (d *Datastore) rebuild(ctx context.Context, ops *rootOps, decls []IndexDeclaration, rebuildPrimary bool, handler ProgressHandler) error {
	total := ops.root.Size
	source, err := ops.scanPrimary(RangeAll(), Ascending)
	if err != nil {
		return err
	}
	if rebuildPrimary {
		// Capture the old pages before pointing the root at a fresh
		// empty primary; the stream above keeps reading them.
		if err := ops.resetPrimary(d.schema); err != nil {
			return err
		}
	}

	var done int64
	for e, err := range source {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		handler.report(Working(done, total))
		value, err := d.decodeInstance(e.headers[1], e.content)
		if err != nil {
			return err
		}
		id := Key(e.headers[0])
		version, content := e.headers[1], e.content
		if rebuildPrimary {
			id = d.schema.Identify(value)
			version = d.schema.currentVersion().raw
			if content, err = d.schema.Encode(value); err != nil {
				return err
			}
			if _, err := ops.primaryPut(id, version, content); err != nil {
				return err
			}
		}
		for _, decl := range decls {
			for _, k := range decl.Representation.ValuesFor(value) {
				payload := []byte(nil)
				if decl.Storage == Direct {
					payload = content
				}
				if err := ops.secondaryPut(decl.Name, k, id, version, payload); err != nil {
					return err
				}
			}
		}
		done++
	}
	handler.report(Complete(total))
	return nil
}

// MigrateIndex forcibly rebuilds one index: it is dropped from the
// root, re-registered from the live declaration, and refilled from a
// full primary scan. minVersion must be a declared version; the rebuild
// indexes every instance whatever version wrote it.
func (d *Datastore) MigrateIndex(ctx context.Context, name string, minVersion Version, handler ProgressHandler) error {
	return d.withWrite(ctx, func(ctx context.Context, tx *Txn) error {
		if err := d.warmUp(ctx, tx, nil); err != nil {
			return err
		}
		if d.schema.versionPos(minVersion) < 0 {
			return fmt.Errorf("%w: %s", ErrMissingDecoder, minVersion)
		}
		decl, err := d.schema.declaration(name)
		if err != nil {
			return err
		}
		ops, wr, err := tx.ops(d.id, true)
		if err != nil {
			return err
		}
		handler.report(Evaluating())
		ops.deleteIndex(name)
		if err := ops.addIndex(decl.Name, decl.Storage); err != nil {
			return err
		}
		wr.dirty = true
		return d.rebuild(ctx, ops, []IndexDeclaration{decl}, false, handler)
	})
}

// MigrateStore re-encodes every instance persisted below minVersion at
// the current version, refreshing direct index duplicates as it goes.
func (d *Datastore) MigrateStore(ctx context.Context, minVersion Version, handler ProgressHandler) error {
	return d.withWrite(ctx, func(ctx context.Context, tx *Txn) error {
		if err := d.warmUp(ctx, tx, nil); err != nil {
			return err
		}
		ops, wr, err := tx.ops(d.id, true)
		if err != nil {
			return err
		}
		floor := d.schema.versionPos(minVersion)
		if floor < 0 {
			return fmt.Errorf("%w: %s", ErrMissingDecoder, minVersion)
		}
		handler.report(Evaluating())
		total := ops.root.Size
		source, err := ops.scanPrimary(RangeAll(), Ascending)
		if err != nil {
			return err
		}
		current := d.schema.currentVersion().raw

		var done int64
		for e, err := range source {
			if err != nil {
				return err
			}
			handler.report(Working(done, total))
			done++
			v, err := d.schema.versionFor(e.headers[1])
			if err != nil {
				return err
			}
			if d.schema.versionPos(v) >= floor {
				continue
			}
			value, err := d.schema.Decode(v, e.content)
			if err != nil {
				return err
			}
			content, err := d.schema.Encode(value)
			if err != nil {
				return err
			}
			id := Key(e.headers[0])
			if _, err := ops.primaryPut(id, current, content); err != nil {
				return err
			}
			for _, decl := range d.schema.Indexes {
				if decl.Storage != Direct {
					continue
				}
				for _, k := range decl.Representation.ValuesFor(value) {
					if err := ops.secondaryPut(decl.Name, k, id, current, content); err != nil {
						return err
					}
				}
			}
			wr.dirty = true
		}
		handler.report(Complete(total))
		return nil
	})
}
