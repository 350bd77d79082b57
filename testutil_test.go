// Shared test fixtures.
//
// Most tests operate on a small "doc" type: a string identifier, a
// string value, and an optional tag list, serialised as JSON. The
// schema indexes the value through a reference index, which exercises
// both the secondary-index write path and the identifier chase on
// reads.
package quire

import (
	"iter"
	"testing"

	json "github.com/goccy/go-json"
)

type doc struct {
	ID    string   `json:"id"`
	Value string   `json:"value"`
	Tags  []string `json:"tags,omitempty"`
}

// docSchema declares the standard test schema: one reference index on
// Value.
func docSchema() *Schema {
	return &Schema{
		IdentifierType: "string",
		Versions:       []Version{V(1)},
		Encode: func(v any) ([]byte, error) {
			return json.Marshal(v)
		},
		Decode: func(_ Version, data []byte) (any, error) {
			var d doc
			if err := json.Unmarshal(data, &d); err != nil {
				return nil, err
			}
			return &d, nil
		},
		Identify: func(v any) Key {
			return KeyString(v.(*doc).ID)
		},
		Indexes: []IndexDeclaration{
			{
				Name: "value",
				Representation: OneToMany("string", func(v any) Key {
					return KeyString(v.(*doc).Value)
				}),
				Storage: Reference,
			},
		},
	}
}

// openTestPersistence creates a fresh store in a temporary directory
// and registers cleanup to close it when the test finishes.
func openTestPersistence(t *testing.T) *Persistence {
	t.Helper()
	p, err := Open(t.TempDir(), Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// openTestDatastore opens a persistence and a doc datastore in one go.
func openTestDatastore(t *testing.T) (*Persistence, *Datastore) {
	t.Helper()
	p := openTestPersistence(t)
	ds, err := p.Datastore("docs", docSchema())
	if err != nil {
		t.Fatalf("Datastore: %v", err)
	}
	return p, ds
}

// collect materialises an iter.Seq2[T, error] into a slice, stopping
// on the first error. Used across the test suite wherever callers need
// to inspect the full result set.
func collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var items []T
	for item, err := range seq {
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}

// memStore is an in-memory page loader for index-engine tests; refs
// carry no digest, so nothing touches disk.
type memStore struct {
	pages map[string]*page
}

func newMemStore() *memStore {
	return &memStore{pages: make(map[string]*page)}
}

func (m *memStore) load(ref pageRef) (*page, error) {
	p, ok := m.pages[ref.ID]
	if !ok {
		return nil, ErrCorruptPage
	}
	return p, nil
}

func (m *memStore) keep(pages []*page) {
	for _, p := range pages {
		m.pages[p.id] = p
	}
}

// simpleEntry builds a single-key entry for index tests.
func simpleEntry(key, content string) *entry {
	return &entry{headers: [][]byte{[]byte(key)}, content: []byte(content)}
}

// buildIndex inserts entries one at a time, mimicking the CoW write
// path, and returns the final manifest over the in-memory store.
func buildIndex(t *testing.T, store *memStore, capacity, arity int, entries ...*entry) *indexManifest {
	t.Helper()
	m := emptyManifest()
	for _, e := range entries {
		ps := newPageSet(m, store.load)
		next, fresh, err := ps.insert(e, arity, capacity)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		store.keep(fresh)
		m = next
	}
	return m
}
