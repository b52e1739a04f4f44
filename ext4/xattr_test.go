package ext4

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeBoth unions the inline and block sets the way a caller would.
func decodeBoth(t *testing.T, inline []byte, block []byte) map[string][]byte {
	t.Helper()

	attrs := map[string][]byte{}

	if inline != nil {
		decoded, err := DecodeInlineXattrs(inline)
		require.NoError(t, err)

		for name, value := range decoded {
			attrs[name] = value
		}
	}

	if block != nil {
		decoded, err := DecodeBlockXattrs(block)
		require.NoError(t, err)

		for name, value := range decoded {
			_, exists := attrs[name]
			if !exists {
				attrs[name] = value
			}
		}
	}

	return attrs
}

func TestXattrRoundTripInlineOnly(t *testing.T) {
	attrs := map[string][]byte{
		"user.comment": []byte("small"),
		"trusted.mark": {0x01, 0x02},
	}

	inline, block, err := EncodeXattrs(attrs, 128, 1024)
	require.NoError(t, err)
	assert.Nil(t, block)

	assert.Equal(t, attrs, decodeBoth(t, inline, block))
}

func TestXattrRoundTripOverflow(t *testing.T) {
	attrs := map[string][]byte{
		"user.a":                   []byte("first"),
		"user.b":                   make([]byte, 200),
		"security.capability":      {0x00, 0x00, 0x00, 0x02},
		"system.posix_acl_access":  {0x02, 0x00, 0x00, 0x00},
		"system.posix_acl_default": {0x02, 0x00, 0x00, 0x00},
		"system.richacl":           []byte("r"),
		"verbatim-name":            []byte("kept as-is"),
	}

	// Inline space only fits a couple of entries, the rest must overflow.
	inline, block, err := EncodeXattrs(attrs, 96, 1024)
	require.NoError(t, err)
	require.NotNil(t, block)

	assert.Equal(t, attrs, decodeBoth(t, inline, block))
}

func TestXattrRoundTripSweep(t *testing.T) {
	// Sweep inline capacities so every split between inline and block is hit.
	attrs := map[string][]byte{}
	for i := range 8 {
		attrs[fmt.Sprintf("user.key%d", i)] = []byte(fmt.Sprintf("value-%d", i))
	}

	for capacity := 0; capacity <= 512; capacity += 16 {
		inline, block, err := EncodeXattrs(attrs, capacity, 1024)
		require.NoError(t, err, "capacity %d", capacity)
		assert.Equal(t, attrs, decodeBoth(t, inline, block), "capacity %d", capacity)
	}
}

func TestXattrTooLarge(t *testing.T) {
	attrs := map[string][]byte{
		"user.big": make([]byte, 4096),
	}

	_, _, err := EncodeXattrs(attrs, 128, 1024)
	require.Error(t, err)
}

func TestXattrNameCompression(t *testing.T) {
	tests := []struct {
		full   string
		index  uint8
		suffix string
	}{
		{"user.comment", 1, "comment"},
		{"system.posix_acl_access", 2, ""},
		{"system.posix_acl_default", 3, ""},
		{"trusted.overlay.opaque", 4, "overlay.opaque"},
		{"security.selinux", 6, "selinux"},
		{"system.nfs4_acl", 7, "nfs4_acl"},
		{"system.richacl", 8, ""},
		{"plain", 0, "plain"},
	}

	for _, test := range tests {
		index, suffix := xattrSplitName(test.full)
		assert.Equal(t, test.index, index, test.full)
		assert.Equal(t, test.suffix, suffix, test.full)
		assert.Equal(t, test.full, xattrFullName(index, suffix), test.full)
	}
}
