// Caller-facing schema declaration.
//
// The core never reflects over application types. The caller supplies a
// codec (encode at the current version, decode for every version still
// readable), an ordered list of version tags, and an explicit list of
// index declarations. Index names must be unique.
package quire

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
)

// Version is a caller-declared schema version tag. It is persisted as
// the JSON encoding of its raw value and compared by those raw bytes.
type Version struct {
	raw json.RawMessage
}

// V builds a version tag from any JSON-encodable raw value.
func V(raw any) Version {
	data, err := json.Marshal(raw)
	if err != nil {
		panic(fmt.Sprintf("quire: unencodable version tag: %v", err))
	}
	return Version{raw: data}
}

// Equal compares version tags by their encoded raw value.
func (v Version) Equal(other Version) bool {
	return bytes.Equal(v.raw, other.raw)
}

func (v Version) String() string {
	return string(v.raw)
}

// StorageKind selects how a secondary index stores its entries.
type StorageKind int

const (
	// Reference indexes store only the identifier; reads chase it into
	// the primary index.
	Reference StorageKind = iota
	// Direct indexes duplicate the instance bytes for read speed.
	Direct
)

// IndexDeclaration names one secondary index: its representation and
// storage kind.
type IndexDeclaration struct {
	Name           string
	Representation IndexRepresentation
	Storage        StorageKind
}

// Schema declares a datastore's shape: identifier type, version
// history, codec, and secondary indexes.
type Schema struct {
	// IdentifierType names the identifier's type for descriptor
	// comparison; changing it forces a primary rebuild on warm-up.
	IdentifierType string

	// Versions lists every readable version tag in ascending order; the
	// last element is the version new instances are written at.
	Versions []Version

	// Encode serialises an application value at the current version.
	Encode func(value any) ([]byte, error)

	// Decode deserialises instance bytes persisted at the given version.
	Decode func(version Version, data []byte) (any, error)

	// Identify extracts the identifier from a decoded value. Optional;
	// required only for migrations that rebuild the primary index after
	// an identifier-type change.
	Identify func(value any) Key

	// Indexes declares the secondary indexes. Names must be unique.
	Indexes []IndexDeclaration
}

// currentVersion returns the tag new instances are written at.
func (s *Schema) currentVersion() Version {
	return s.Versions[len(s.Versions)-1]
}

// versionFor matches a persisted raw tag against the declared versions.
// The declared list is the readable set; any other tag fails with
// ErrMissingDecoder (warm-up maps an undeclared descriptor version to
// ErrIncompatibleVersion).
func (s *Schema) versionFor(raw json.RawMessage) (Version, error) {
	for _, v := range s.Versions {
		if bytes.Equal(v.raw, raw) {
			return v, nil
		}
	}
	return Version{}, fmt.Errorf("%w: %s", ErrMissingDecoder, string(raw))
}

// versionPos returns the version's position in the declared history,
// or -1 when unknown. Positions order versions under the caller's
// declared ordering.
func (s *Schema) versionPos(v Version) int {
	for i, declared := range s.Versions {
		if declared.Equal(v) {
			return i
		}
	}
	return -1
}

// validate checks structural requirements before first use.
func (s *Schema) validate() error {
	if len(s.Versions) == 0 {
		return fmt.Errorf("schema declares no versions")
	}
	if s.Encode == nil || s.Decode == nil {
		return fmt.Errorf("schema requires Encode and Decode")
	}
	seen := make(map[string]bool, len(s.Indexes))
	for _, d := range s.Indexes {
		if d.Name == "" || d.Representation == nil {
			return fmt.Errorf("index declaration missing name or representation")
		}
		if seen[d.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateIndex, d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// declaration returns the named index declaration.
func (s *Schema) declaration(name string) (IndexDeclaration, error) {
	for _, d := range s.Indexes {
		if d.Name == name {
			return d, nil
		}
	}
	return IndexDeclaration{}, fmt.Errorf("%w: %s", ErrMissingIndex, name)
}
