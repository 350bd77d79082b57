// Dated and typed identifiers.
//
// Every immutable file — page, manifest, root, iteration, snapshot — is
// named by a dated identifier: a UTC millisecond timestamp followed by a
// 16 hex character random token. The format sorts lexicographically in
// chronological order, which GC and iteration traversal rely on.
package quire

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// datedIDSecondLayout renders the identifier's timestamp down to seconds.
// Colons are avoided for filesystem portability; milliseconds are
// appended by hand because the separator is a dash, not a decimal point.
const datedIDSecondLayout = "2006-01-02 15-04-05"

// datedIDLen is the full identifier width: 23 timestamp bytes, a space,
// and 16 hex token characters.
const datedIDLen = len(datedIDSecondLayout) + 4 + 1 + 16

// token returns 16 hex characters of cryptographic randomness.
func token() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// datedID generates a fresh dated identifier for the current instant.
func datedID() string {
	return datedIDAt(time.Now().UTC())
}

// datedIDAt generates a dated identifier for a specific instant. Split
// out for tests that need deterministic ordering across milliseconds.
func datedIDAt(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s-%03d %s", t.Format(datedIDSecondLayout), t.Nanosecond()/1e6, token())
}

// datedIDTime parses the timestamp part of a dated identifier.
func datedIDTime(id string) (time.Time, bool) {
	if len(id) != datedIDLen {
		return time.Time{}, false
	}
	sec := id[:len(datedIDSecondLayout)]
	t, err := time.Parse(datedIDSecondLayout, sec)
	if err != nil {
		return time.Time{}, false
	}
	if id[len(datedIDSecondLayout)] != '-' {
		return time.Time{}, false
	}
	var ms int
	if _, err := fmt.Sscanf(id[len(datedIDSecondLayout)+1:len(datedIDSecondLayout)+4], "%03d", &ms); err != nil || ms > 999 {
		return time.Time{}, false
	}
	return t.Add(time.Duration(ms) * time.Millisecond), true
}

// validDatedID reports whether id has the dated identifier shape. Used
// by GC to skip foreign files when sweeping directories.
func validDatedID(id string) bool {
	if _, ok := datedIDTime(id); !ok {
		return false
	}
	if id[len(datedIDSecondLayout)+4] != ' ' {
		return false
	}
	_, err := hex.DecodeString(id[len(datedIDSecondLayout)+5:])
	return err == nil
}

// typedID generates a typed identifier "<name>-<token>". The name is
// filtered to [A-Za-z0-9 _] and truncated to 16 characters.
func typedID(name string) string {
	var b strings.Builder
	for _, r := range name {
		if b.Len() == 16 {
			break
		}
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String() + "-" + token()
}
