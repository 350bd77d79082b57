// Index manifests.
//
// A manifest is an immutable, dated-identifier JSON file naming the
// ordered pages that make up one index, each with its size and digest.
// Superseding a manifest means writing a new file under a fresh id; the
// old one remains readable until GC collects it.
package quire

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// pageRef names one page of an index: identifier, occupied bytes, and
// the digest of the page file verified on load.
type pageRef struct {
	ID     string `json:"id"`
	Size   int    `json:"size"`
	Digest string `json:"digest,omitempty"`
}

// indexManifest holds the ordered page list of one index. Primary
// manifests additionally carry a bloom filter of their identifiers.
type indexManifest struct {
	ID    string    `json:"id"`
	Count int64     `json:"count"`
	Pages []pageRef `json:"pages"`
	Bloom []byte    `json:"bloom,omitempty"`
}

// emptyManifest allocates a fresh manifest with no pages.
func emptyManifest() *indexManifest {
	return &indexManifest{ID: datedID()}
}

func encodeManifest(m *indexManifest) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest %s: %w", m.ID, err)
	}
	return data, nil
}

func decodeManifest(id string, data []byte) (*indexManifest, error) {
	var m indexManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest %s", ErrCorruptManifest, id)
	}
	m.ID = id
	return &m, nil
}

// refFor builds a pageRef for a sealed page using the given digest
// algorithm over the encoded file bytes.
func refFor(p *page, encoded []byte, alg int) pageRef {
	return pageRef{ID: p.id, Size: len(encoded), Digest: digest(encoded, alg)}
}
