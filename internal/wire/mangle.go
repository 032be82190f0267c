package wire

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// MangledKey is an escape-encoded string that concatenates a primary key
// with a delimiter byte and, for rows reached through a secondary index,
// a hex-encoded tag that disambiguates rows sharing one index value.
//
// Encoding: every occurrence of byte 0, 1, or 2 in the primary key is
// escaped as the two-byte sequence {escapeByte, originalByte}; the
// delimiter byte (1) then terminates the primary key section unescaped,
// since every literal 1 in the input was rewritten to {2, 1}. A trailing
// hex tag, if present, is plain ASCII and needs no escaping.
//
// This ordering is chosen so mangled keys sort consistently with the
// underlying primary-key comparator: bytes 0/1/2 always encode to a pair
// beginning with escapeByte (2), so they still compare below any literal
// byte 3 or higher, and the second byte of the pair preserves their
// relative order among themselves.
type MangledKey string

const (
	escapeByte   byte = 2
	delimiterByte byte = 1
)

// Mangle encodes a primary key and an optional secondary-index tag into
// a MangledKey. Pass nil for tag when the row was reached through the
// primary index.
func Mangle(primary []byte, tag []byte) MangledKey {
	var b strings.Builder
	b.Grow(len(primary)*2 + 1 + len(tag)*2)
	for _, c := range primary {
		if c == 0 || c == delimiterByte || c == escapeByte {
			b.WriteByte(escapeByte)
		}
		b.WriteByte(c)
	}
	b.WriteByte(delimiterByte)
	if tag != nil {
		b.WriteString(hex.EncodeToString(tag))
	}
	return MangledKey(b.String())
}

// Unmangle decodes a MangledKey back into its primary key and tag (tag is
// nil if the key encodes no secondary-index disambiguator).
func Unmangle(k MangledKey) (primary []byte, tag []byte, err error) {
	s := []byte(k)
	out := make([]byte, 0, len(s))
	i := 0
	foundDelimiter := false
	for i < len(s) {
		c := s[i]
		if c == escapeByte {
			if i+1 >= len(s) {
				return nil, nil, fmt.Errorf("wire: truncated escape sequence in mangled key")
			}
			out = append(out, s[i+1])
			i += 2
			continue
		}
		if c == delimiterByte {
			i++
			foundDelimiter = true
			break
		}
		out = append(out, c)
		i++
	}
	if !foundDelimiter {
		return nil, nil, fmt.Errorf("wire: mangled key missing delimiter")
	}
	rest := s[i:]
	if len(rest) == 0 {
		return out, nil, nil
	}
	tagBytes, err := hex.DecodeString(string(rest))
	if err != nil {
		return nil, nil, fmt.Errorf("wire: invalid tag encoding: %w", err)
	}
	return out, tagBytes, nil
}

// SortKey is the lexicographic pair used to order rows in a limit
// window: the secondary-index value (nil for primary-keyed limits) and
// the mangled primary key, which breaks ties and totally orders rows
// sharing one index value.
type SortKey struct {
	SindexVal Datum
	Primary   MangledKey
}

// Less orders two sort keys. desc reverses the comparison (used for
// descending limit subscriptions). When both keys carry a nil sindex
// value (primary-keyed limits) the mangled primary is the whole order and
// desc reverses it; otherwise the mangled primary only breaks ties within
// one index value and that tiebreaker is never reversed, matching the
// original implementation's stable secondary ordering.
func (k SortKey) Less(other SortKey, desc bool) bool {
	if k.SindexVal == nil && other.SindexVal == nil {
		if desc {
			return k.Primary > other.Primary
		}
		return k.Primary < other.Primary
	}
	c := compareDatum(k.SindexVal, other.SindexVal)
	if c != 0 {
		if desc {
			return c > 0
		}
		return c < 0
	}
	return k.Primary < other.Primary
}

// compareDatum does a byte-wise comparison of two opaque datum values.
// The real datum comparator (type-aware: numbers before strings before
// arrays, etc.) belongs to the query compiler, an external collaborator
// per spec.md §1; this layer only needs *a* total order consistent
// with equality, which a byte comparison of the serialized form gives it.
func compareDatum(a, b Datum) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return strings.Compare(string(a), string(b))
}
