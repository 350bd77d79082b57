// Package quire provides an embedded, typed, copy-on-write document store.
//
// Quire maps a typed collection to a durable key-ordered primary index and
// any number of secondary indexes. Every mutation produces new immutable
// pages, manifests, roots, and finally a new snapshot iteration; the only
// mutable piece of on-disk state is the snapshot manifest pointer, swung
// by atomic rename. Readers pin the iteration that was current when they
// started and are never blocked by the single serialized writer.
package quire

import "errors"

// Sentinel errors returned by store operations.
var (
	// ErrInvalidEntryFormat is returned when a page entry cannot be parsed.
	ErrInvalidEntryFormat = errors.New("invalid entry format")

	// ErrInstanceNotFound is returned when a cursor lookup misses.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrDatastoreKeyNotFound is returned when a datastore has never been
	// initialized in the current snapshot.
	ErrDatastoreKeyNotFound = errors.New("datastore not found")

	// ErrIncompatibleVersion is returned when the persisted schema version
	// is newer than any version the caller declared.
	ErrIncompatibleVersion = errors.New("incompatible version")

	// ErrMissingDecoder is returned when no decoder is registered for a
	// persisted version tag.
	ErrMissingDecoder = errors.New("missing decoder for version")

	// ErrMissingIndex is returned when an undeclared index is accessed.
	ErrMissingIndex = errors.New("index not declared")

	// ErrNestedStoreWrite is returned when a read-write transaction is
	// started inside a read-only transaction on the same persistence.
	ErrNestedStoreWrite = errors.New("write transaction nested under reader")

	// ErrNestedSnapshotWrite is returned when a transaction, read or
	// write, is started under a parent transaction that has already ended.
	ErrNestedSnapshotWrite = errors.New("snapshot write re-entered")

	// ErrStaleReadView is returned when a scan stream is consumed after
	// its originating transaction has ended.
	ErrStaleReadView = errors.New("read view used after transaction end")

	// ErrClosed is returned when operating on a closed persistence.
	ErrClosed = errors.New("persistence is closed")

	// ErrInvalidRange is returned for ranges whose bounds are inverted.
	ErrInvalidRange = errors.New("invalid range bounds")

	// ErrPageSize is returned when the configured page size is out of
	// bounds or not a multiple of the disk block size.
	ErrPageSize = errors.New("invalid page size")

	// ErrPageSpace is returned when a block decomposition is asked to fit
	// a space smaller than the minimum splittable size.
	ErrPageSpace = errors.New("page space below minimum splittable size")

	// ErrCorruptPage is returned when a page's bytes fail digest
	// verification or block framing checks.
	ErrCorruptPage = errors.New("corrupt page")

	// ErrCorruptManifest is returned when a manifest, root, or iteration
	// file cannot be parsed.
	ErrCorruptManifest = errors.New("corrupt manifest")

	// ErrDuplicateIndex is returned when a schema declares the same index
	// name twice.
	ErrDuplicateIndex = errors.New("duplicate index name")

	// ErrBundleIDMissing is returned when a datastore is requested
	// without an identifier to derive its location from.
	ErrBundleIDMissing = errors.New("datastore id missing")
)
