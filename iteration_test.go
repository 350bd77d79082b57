// Iteration codec and delta tests.
package quire

import (
	"testing"

	json "github.com/goccy/go-json"
)

// TestRootRefLegacyDecode verifies the delta codec accepts both the
// legacy bare-string form and the current object form in one list.
// Stores written by old versions carry bare root ids.
func TestRootRefLegacyDecode(t *testing.T) {
	data := []byte(`{
		"id": "it",
		"roots": {"docs": "r2"},
		"addedRoots": ["r1", {"datastoreId": "docs", "rootId": "r2"}],
		"creationTime": "2024-06-15T08:30:00Z"
	}`)
	it, err := decodeIteration("it", data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(it.AddedRoots) != 2 {
		t.Fatalf("addedRoots = %d, want 2", len(it.AddedRoots))
	}
	if it.AddedRoots[0].RootID != "r1" || it.AddedRoots[0].DatastoreID != "" {
		t.Errorf("legacy ref = %+v", it.AddedRoots[0])
	}
	if it.AddedRoots[1].RootID != "r2" || it.AddedRoots[1].DatastoreID != "docs" {
		t.Errorf("current ref = %+v", it.AddedRoots[1])
	}
}

// TestRootRefEmitsCurrentForm verifies emission always uses the object
// form, never the legacy string.
func TestRootRefEmitsCurrentForm(t *testing.T) {
	it := successor(nil, map[string]string{"docs": "r1"})
	data, err := json.Marshal(it)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := decodeIteration(it.ID, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(back.AddedRoots) != 1 || back.AddedRoots[0].DatastoreID != "docs" {
		t.Errorf("addedRoots = %+v, want the object form with datastoreId", back.AddedRoots)
	}
}

// TestSuccessorDelta verifies the delta computation: added and removed
// roots and datastores against the preceding iteration.
func TestSuccessorDelta(t *testing.T) {
	prev := successor(nil, map[string]string{"a": "ra1", "b": "rb1"})
	next := successor(prev, map[string]string{"a": "ra2", "c": "rc1"})

	if next.Preceding != prev.ID {
		t.Errorf("preceding = %q, want %q", next.Preceding, prev.ID)
	}
	if len(next.AddedDatastores) != 1 || next.AddedDatastores[0] != "c" {
		t.Errorf("addedDatastores = %v, want [c]", next.AddedDatastores)
	}
	if len(next.RemovedDatastores) != 1 || next.RemovedDatastores[0] != "b" {
		t.Errorf("removedDatastores = %v, want [b]", next.RemovedDatastores)
	}

	added := map[string]string{}
	for _, r := range next.AddedRoots {
		added[r.DatastoreID] = r.RootID
	}
	if added["a"] != "ra2" || added["c"] != "rc1" {
		t.Errorf("addedRoots = %v", next.AddedRoots)
	}
	removed := map[string]string{}
	for _, r := range next.RemovedRoots {
		removed[r.DatastoreID] = r.RootID
	}
	if removed["a"] != "ra1" || removed["b"] != "rb1" {
		t.Errorf("removedRoots = %v", next.RemovedRoots)
	}

	// The full map always travels with the iteration.
	if next.Roots["a"] != "ra2" || next.Roots["c"] != "rc1" || len(next.Roots) != 2 {
		t.Errorf("roots = %v", next.Roots)
	}
}
