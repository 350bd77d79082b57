// Bloom filter tests.
package quire

import (
	"fmt"
	"testing"
)

// TestBloomAddContains verifies added identifiers are always reported
// present.
func TestBloomAddContains(t *testing.T) {
	var bits []byte
	for i := range 100 {
		bits = bloomAdd(bits, KeyInt(int64(i)))
	}
	for i := range 100 {
		if !bloomContains(bits, KeyInt(int64(i))) {
			t.Fatalf("false negative for %d", i)
		}
	}
}

// TestBloomDefiniteMiss verifies absent identifiers are mostly reported
// absent at the design load. The 1% target leaves room; 10% over a
// thousand misses would mean the hashing is broken.
func TestBloomDefiniteMiss(t *testing.T) {
	var bits []byte
	for i := range 1000 {
		bits = bloomAdd(bits, KeyString(fmt.Sprintf("present-%d", i)))
	}
	falsePositives := 0
	for i := range 1000 {
		if bloomContains(bits, KeyString(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	if falsePositives > 100 {
		t.Errorf("false positives = %d / 1000", falsePositives)
	}
}

// TestBloomEmptyAnswersTrue verifies a missing filter cannot veto: an
// empty or wrong-size filter reports maybe-present.
func TestBloomEmptyAnswersTrue(t *testing.T) {
	if !bloomContains(nil, KeyString("x")) {
		t.Error("nil filter must report maybe-present")
	}
	if !bloomContains([]byte{1, 2, 3}, KeyString("x")) {
		t.Error("wrong-size filter must report maybe-present")
	}
}
