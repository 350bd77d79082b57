// Persisted schema descriptors.
//
// Each root embeds a descriptor recording the schema shape it was built
// against: version tag, identifier type, and the IndexType of every
// secondary index. Warm-up diffs the persisted descriptor against the
// live schema to decide what must be rebuilt.
package quire

import json "github.com/goccy/go-json"

// schemaDescriptor is the persisted schema shape.
type schemaDescriptor struct {
	Version          json.RawMessage   `json:"version"`
	IdentifierType   string            `json:"identifierType"`
	DirectIndexes    map[string]string `json:"directIndexes,omitempty"`
	ReferenceIndexes map[string]string `json:"referenceIndexes,omitempty"`
}

// descriptorFor renders the live schema as a descriptor.
func descriptorFor(s *Schema) *schemaDescriptor {
	d := &schemaDescriptor{
		Version:          s.currentVersion().raw,
		IdentifierType:   s.IdentifierType,
		DirectIndexes:    map[string]string{},
		ReferenceIndexes: map[string]string{},
	}
	for _, decl := range s.Indexes {
		if decl.Storage == Direct {
			d.DirectIndexes[decl.Name] = decl.Representation.IndexType()
		} else {
			d.ReferenceIndexes[decl.Name] = decl.Representation.IndexType()
		}
	}
	return d
}

// indexNames returns the union of direct and reference index names.
func (d *schemaDescriptor) indexNames() []string {
	names := make([]string, 0, len(d.DirectIndexes)+len(d.ReferenceIndexes))
	for n := range d.DirectIndexes {
		names = append(names, n)
	}
	for n := range d.ReferenceIndexes {
		names = append(names, n)
	}
	return names
}

// equal reports whether two descriptors describe the same shape.
func (d *schemaDescriptor) equal(o *schemaDescriptor) bool {
	if string(d.Version) != string(o.Version) || d.IdentifierType != o.IdentifierType {
		return false
	}
	return sameIndexMap(d.DirectIndexes, o.DirectIndexes) &&
		sameIndexMap(d.ReferenceIndexes, o.ReferenceIndexes)
}

func sameIndexMap(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// descriptorDiff is warm-up's work list.
type descriptorDiff struct {
	rebuildPrimary bool     // identifier type changed
	build          []string // in live but not persisted, or retyped
	drop           []string // in persisted but not live, or retyped
	keep           []string // unchanged in kind and type
}

// diffDescriptors compares the persisted descriptor against the live
// one. An index present in both but with a different IndexType — or
// moved between direct and reference storage — is dropped and rebuilt.
func diffDescriptors(persisted, live *schemaDescriptor) descriptorDiff {
	var d descriptorDiff
	d.rebuildPrimary = persisted.IdentifierType != live.IdentifierType

	lookup := func(desc *schemaDescriptor, name string) (string, bool, bool) {
		if t, ok := desc.DirectIndexes[name]; ok {
			return t, true, true
		}
		t, ok := desc.ReferenceIndexes[name]
		return t, false, ok
	}

	for _, name := range live.indexNames() {
		liveType, liveDirect, _ := lookup(live, name)
		oldType, oldDirect, existed := lookup(persisted, name)
		switch {
		case !existed:
			d.build = append(d.build, name)
		case oldType != liveType || oldDirect != liveDirect:
			d.drop = append(d.drop, name)
			d.build = append(d.build, name)
		default:
			d.keep = append(d.keep, name)
		}
	}
	for _, name := range persisted.indexNames() {
		if _, _, stillLive := lookup(live, name); !stillLive {
			d.drop = append(d.drop, name)
		}
	}
	return d
}
