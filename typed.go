// Typed convenience layer.
//
// Collection wraps a Datastore with a concrete element type, so callers
// get compile-time types on the common operations instead of any. It is
// pure sugar over the untyped core.
package quire

import (
	"context"
	"fmt"
	"iter"
)

// Collection is a typed view over a datastore whose values are T.
type Collection[T any] struct {
	ds *Datastore
}

// NewCollection wraps an existing datastore handle. The schema's codec
// must produce *T (or T) values; Load and Scan fail otherwise.
func NewCollection[T any](ds *Datastore) *Collection[T] {
	return &Collection[T]{ds: ds}
}

// Datastore returns the underlying untyped handle.
func (c *Collection[T]) Datastore() *Datastore { return c.ds }

// Persist stores value under id. The value travels through the core as
// *T, matching what schema decoders return, so index extractors see one
// shape on both paths.
func (c *Collection[T]) Persist(ctx context.Context, id Key, value T) error {
	return c.ds.Persist(ctx, id, &value)
}

// Load returns the value under id; ok is false when absent.
func (c *Collection[T]) Load(ctx context.Context, id Key) (T, bool, error) {
	var zero T
	v, err := c.ds.Load(ctx, id)
	if err != nil || v == nil {
		return zero, false, err
	}
	typed, err := asTyped[T](v)
	if err != nil {
		return zero, false, err
	}
	return typed, true, nil
}

// Delete removes the value under id.
func (c *Collection[T]) Delete(ctx context.Context, id Key) error {
	return c.ds.Delete(ctx, id)
}

// Count returns the number of stored values.
func (c *Collection[T]) Count(ctx context.Context) (int64, error) {
	return c.ds.Count(ctx)
}

// TypedItem is one scanned element with its decoded value.
type TypedItem[T any] struct {
	ID    Key
	Value T
}

// Scan streams values in identifier order within rng.
func (c *Collection[T]) Scan(ctx context.Context, rng Range, order Order) iter.Seq2[TypedItem[T], error] {
	return typedStream[T](c.ds.Scan(ctx, rng, order))
}

// ScanIndex streams values ordered by the named secondary index.
func (c *Collection[T]) ScanIndex(ctx context.Context, name string, rng Range, order Order) iter.Seq2[TypedItem[T], error] {
	return typedStream[T](c.ds.ScanIndex(ctx, name, rng, order))
}

func typedStream[T any](src iter.Seq2[Item, error]) iter.Seq2[TypedItem[T], error] {
	return func(yield func(TypedItem[T], error) bool) {
		for item, err := range src {
			if err != nil {
				yield(TypedItem[T]{}, err)
				return
			}
			typed, err := asTyped[T](item.Value)
			if err != nil {
				yield(TypedItem[T]{}, err)
				return
			}
			if !yield(TypedItem[T]{ID: item.ID, Value: typed}, nil) {
				return
			}
		}
	}
}

func asTyped[T any](v any) (T, error) {
	switch t := v.(type) {
	case T:
		return t, nil
	case *T:
		return *t, nil
	default:
		var zero T
		return zero, fmt.Errorf("decoded value is %T, not %T", v, zero)
	}
}
