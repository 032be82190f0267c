package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-db/changefeed/internal/wire"
)

func TestMangleUnmangleRoundTrip(t *testing.T) {
	t.Parallel()

	tcs := map[string]struct {
		primary []byte
		tag     []byte
	}{
		"plain primary, no tag": {
			primary: []byte("hello"),
			tag:     nil,
		},
		"primary containing delimiter byte": {
			primary: []byte{0x41, 0x01, 0x42},
			tag:     nil,
		},
		"primary containing escape byte": {
			primary: []byte{0x02, 0x02, 0x41},
			tag:     nil,
		},
		"primary containing null byte": {
			primary: []byte{0x00, 0x41},
			tag:     nil,
		},
		"tagged row": {
			primary: []byte("row-key"),
			tag:     []byte{0xde, 0xad, 0xbe, 0xef},
		},
		"empty primary with tag": {
			primary: []byte{},
			tag:     []byte{0x01},
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			mangled := wire.Mangle(tc.primary, tc.tag)
			primary, tag, err := wire.Unmangle(mangled)
			require.NoError(t, err)
			assert.Equal(t, tc.primary, primary)
			assert.Equal(t, tc.tag, tag)
		})
	}
}

func TestUnmangleErrors(t *testing.T) {
	t.Parallel()

	tcs := map[string]struct {
		input wire.MangledKey
	}{
		"missing delimiter": {
			input: wire.MangledKey("abc"),
		},
		"truncated escape sequence": {
			input: wire.MangledKey(string([]byte{0x02})),
		},
		"invalid hex tag": {
			input: wire.MangledKey(string([]byte{0x41, 0x01}) + "zz"),
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, _, err := wire.Unmangle(tc.input)
			require.Error(t, err)
		})
	}
}

func TestMangleOrderConsistency(t *testing.T) {
	t.Parallel()

	// Bytes 0, 1, 2 must still sort below any literal byte >= 3 after
	// mangling, since they're all escaped to a pair starting with
	// escapeByte (2).
	low := wire.Mangle([]byte{0x00}, nil)
	high := wire.Mangle([]byte{0x05}, nil)
	assert.Less(t, low, high)

	a := wire.Mangle([]byte("aaa"), nil)
	b := wire.Mangle([]byte("aab"), nil)
	assert.Less(t, a, b)
}

func TestSortKeyLess(t *testing.T) {
	t.Parallel()

	mkey := func(sindex string, primary wire.MangledKey) wire.SortKey {
		var sv wire.Datum
		if sindex != "" {
			sv = wire.Datum(sindex)
		}
		return wire.SortKey{SindexVal: sv, Primary: primary}
	}

	t.Run("orders by sindex value first", func(t *testing.T) {
		t.Parallel()

		a := mkey("1", "x")
		b := mkey("2", "a")
		assert.True(t, a.Less(b, false))
		assert.False(t, b.Less(a, false))
	})

	t.Run("desc reverses sindex comparison", func(t *testing.T) {
		t.Parallel()

		a := mkey("1", "x")
		b := mkey("2", "a")
		assert.False(t, a.Less(b, true))
		assert.True(t, b.Less(a, true))
	})

	t.Run("ties break on primary key, never reversed by desc", func(t *testing.T) {
		t.Parallel()

		a := mkey("1", "aaa")
		b := mkey("1", "bbb")
		assert.True(t, a.Less(b, false))
		assert.True(t, a.Less(b, true))
	})

	t.Run("nil sindex values compare equal, fall through to primary", func(t *testing.T) {
		t.Parallel()

		a := wire.SortKey{Primary: "aaa"}
		b := wire.SortKey{Primary: "bbb"}
		assert.True(t, a.Less(b, false))
	})
}
