// Entry codec tests.
//
// The entry wire form carries ordering keys in its headers, so a codec
// fault corrupts not just one record but binary search over the whole
// index. These tests pin the exact byte layout, the round-trip
// property, and every malformed-input class the decoder must reject.
package quire

import (
	"bytes"
	"errors"
	"testing"
)

// TestEncodeEntryLayout pins the wire form: decimal length, space,
// payload, newline per header, then a blank line, then raw content.
func TestEncodeEntryLayout(t *testing.T) {
	got := encodeEntry([][]byte{[]byte("ab"), []byte("value")}, []byte("content"))
	want := "2 ab\n5 value\n\ncontent"
	if string(got) != want {
		t.Errorf("encoded = %q, want %q", got, want)
	}
}

// TestEntryRoundTrip verifies decode(encode(E)) == E across header
// counts, empty headers, empty content, and binary payloads.
func TestEntryRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		headers [][]byte
		content []byte
	}{
		{"single header", [][]byte{[]byte("k")}, []byte("v")},
		{"several headers", [][]byte{[]byte("key"), []byte("1"), []byte("extra")}, []byte("body")},
		{"empty header", [][]byte{{}}, []byte("x")},
		{"no content", [][]byte{[]byte("k")}, nil},
		{"binary", [][]byte{{0x00, 0xff, 0x0a}}, []byte{0x00, 0x01, 0x0a, 0xff}},
		{"no headers", nil, []byte("just content")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := decodeEntry(encodeEntry(tc.headers, tc.content), false)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(e.headers) != len(tc.headers) {
				t.Fatalf("headers = %d, want %d", len(e.headers), len(tc.headers))
			}
			for i := range tc.headers {
				if !bytes.Equal(e.headers[i], tc.headers[i]) {
					t.Errorf("header %d = %q, want %q", i, e.headers[i], tc.headers[i])
				}
			}
			if !bytes.Equal(e.content, tc.content) {
				t.Errorf("content = %q, want %q", e.content, tc.content)
			}
		})
	}
}

// TestDecodeEntryMalformed verifies every rejection class: a missing
// blank-line separator, a non-decimal length field, a leading space,
// and a zero-length header carrying a payload.
func TestDecodeEntryMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"missing separator", "2 ab\n"},
		{"no separator at all", "2 ab"},
		{"non-ascii length", "x ab\n\ncontent"},
		{"leading space", " 2 ab\n\ncontent"},
		{"zero length with payload", "0 ab\n\ncontent"},
		{"length larger than data", "9 ab\n\n"},
		{"empty input", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := decodeEntry([]byte(tc.data), false); !errors.Is(err, ErrInvalidEntryFormat) {
				t.Errorf("decode(%q) err = %v, want ErrInvalidEntryFormat", tc.data, err)
			}
		})
	}
}

// TestDecodeEntryPartial verifies head-block decoding: headers parse
// from a truncated prefix, incomplete trailing headers are dropped,
// and no blank-line check applies. This is what makes comparator-only
// probes possible without reassembling a split entry.
func TestDecodeEntryPartial(t *testing.T) {
	full := encodeEntry([][]byte{[]byte("key"), []byte("version")}, []byte("a long content tail"))

	// Cut inside the content: both headers must survive.
	e, err := decodeEntry(full[:len(full)-5], true)
	if err != nil {
		t.Fatalf("decode partial: %v", err)
	}
	if len(e.headers) != 2 || string(e.headers[0]) != "key" {
		t.Errorf("headers = %q, want [key version]", e.headers)
	}

	// Cut inside the second header: only the first survives.
	e, err = decodeEntry(full[:7], true)
	if err != nil {
		t.Fatalf("decode truncated header: %v", err)
	}
	if len(e.headers) != 1 || string(e.headers[0]) != "key" {
		t.Errorf("headers = %q, want [key]", e.headers)
	}

	// Structurally wrong input still fails, even partially.
	if _, err := decodeEntry([]byte(" 2 ab"), true); !errors.Is(err, ErrInvalidEntryFormat) {
		t.Errorf("partial decode of malformed input err = %v, want ErrInvalidEntryFormat", err)
	}
}
