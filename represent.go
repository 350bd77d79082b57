// Index value representations.
//
// The four cardinalities (one/many values per instance, values unique or
// shared across instances) are tagged variants over one interface. The
// tag feeds the IndexType string persisted in the schema descriptor, so
// changing an index's cardinality or value type is detected on warm-up
// and forces a rebuild.
package quire

import "sort"

// IndexRepresentation derives the indexed values of an instance.
type IndexRepresentation interface {
	// IndexType identifies the representation for schema comparison.
	IndexType() string

	// ValuesFor extracts the set of indexed values from a decoded
	// application value.
	ValuesFor(value any) []Key
}

type representation struct {
	tag       string
	valueType string
	one       func(value any) Key
	many      func(value any) []Key
}

func (r representation) IndexType() string {
	return r.tag + "(" + r.valueType + ")"
}

func (r representation) ValuesFor(value any) []Key {
	if r.one != nil {
		return []Key{r.one(value)}
	}
	return dedupeKeys(r.many(value))
}

// dedupeKeys sorts and uniques extracted values; ValuesFor is a set.
func dedupeKeys(keys []Key) []Key {
	if len(keys) < 2 {
		return keys
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	out := keys[:1]
	for _, k := range keys[1:] {
		if !k.Equal(out[len(out)-1]) {
			out = append(out, k)
		}
	}
	return out
}

// OneToOne indexes a single value unique to each instance.
func OneToOne(valueType string, extract func(value any) Key) IndexRepresentation {
	return representation{tag: "one-to-one", valueType: valueType, one: extract}
}

// OneToMany indexes a single value shared by many instances.
func OneToMany(valueType string, extract func(value any) Key) IndexRepresentation {
	return representation{tag: "one-to-many", valueType: valueType, one: extract}
}

// ManyToOne indexes multiple values, each unique to one instance.
func ManyToOne(valueType string, extract func(value any) []Key) IndexRepresentation {
	return representation{tag: "many-to-one", valueType: valueType, many: extract}
}

// ManyToMany indexes multiple values shared across instances.
func ManyToMany(valueType string, extract func(value any) []Key) IndexRepresentation {
	return representation{tag: "many-to-many", valueType: valueType, many: extract}
}
