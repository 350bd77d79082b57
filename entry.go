// Logical page entry codec.
//
// An entry is a header section followed by content. Each header is a
// length-prefixed byte array on its own line — ASCII decimal length, a
// single space, the payload, a newline — and a blank line separates the
// last header from the content bytes:
//
//	2 id\n
//	5 value\n
//	\n
//	<content...>
//
// The format is self-delimiting from the front, so a head block that
// carries only the beginning of an entry still yields the headers needed
// for comparisons (partial decode).
package quire

// entry is a decoded logical entry. Headers carry the ordering keys and
// the version tag; content carries the instance bytes.
type entry struct {
	headers [][]byte
	content []byte
}

// encodeEntry serialises headers and content into the entry wire form.
func encodeEntry(headers [][]byte, content []byte) []byte {
	size := 1 + len(content)
	for _, h := range headers {
		size += asciiLen(len(h)) + 2 + len(h)
	}
	out := make([]byte, 0, size)
	for _, h := range headers {
		out = appendASCII(out, len(h))
		out = append(out, ' ')
		out = append(out, h...)
		out = append(out, '\n')
	}
	out = append(out, '\n')
	out = append(out, content...)
	return out
}

// decodeEntry parses the entry wire form. When partial is true the data
// may be truncated anywhere — incomplete trailing headers are dropped,
// the blank-line check is skipped, and content may be cut short.
func decodeEntry(data []byte, partial bool) (*entry, error) {
	var headers [][]byte
	pos := 0
	for {
		if pos >= len(data) {
			if partial {
				return &entry{headers: headers}, nil
			}
			return nil, ErrInvalidEntryFormat // ran out before blank line
		}
		if data[pos] == '\n' {
			// Blank line: everything after is content.
			return &entry{headers: headers, content: data[pos+1:]}, nil
		}
		if data[pos] == ' ' {
			return nil, ErrInvalidEntryFormat // leading space
		}
		n := 0
		start := pos
		for pos < len(data) && data[pos] >= '0' && data[pos] <= '9' {
			n = n*10 + int(data[pos]-'0')
			if n > maxHeaderLen {
				return nil, ErrInvalidEntryFormat
			}
			pos++
		}
		if pos == start {
			return nil, ErrInvalidEntryFormat // non-ASCII length field
		}
		if pos >= len(data) {
			if partial {
				return &entry{headers: headers}, nil
			}
			return nil, ErrInvalidEntryFormat
		}
		if data[pos] != ' ' {
			return nil, ErrInvalidEntryFormat
		}
		pos++
		if pos+n+1 > len(data) {
			if partial {
				return &entry{headers: headers}, nil
			}
			return nil, ErrInvalidEntryFormat
		}
		if data[pos+n] != '\n' {
			return nil, ErrInvalidEntryFormat // includes length 0 with a payload
		}
		headers = append(headers, data[pos:pos+n])
		pos += n + 1
	}
}

// maxHeaderLen bounds a single header payload. Generous — keys are
// typically tens of bytes — but stops a corrupt length field from
// driving a huge allocation.
const maxHeaderLen = 1 << 30

func asciiLen(n int) int {
	d := 1
	for n >= 10 {
		n /= 10
		d++
	}
	return d
}

func appendASCII(dst []byte, n int) []byte {
	if n >= 10 {
		dst = appendASCII(dst, n/10)
	}
	return append(dst, byte('0'+n%10))
}
