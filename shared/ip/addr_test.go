package ip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCIDR(t *testing.T) {
	tests := []struct {
		input   string
		wantErr error
		lower   string
		upper   string
	}{
		{input: "192.168.64.0", wantErr: ErrInvalidCIDR},
		{input: "192.168.256.1/24", wantErr: ErrInvalidStringAddress},
		{input: "192.168.64.0/33", wantErr: ErrInvalidCIDR},
		{input: "192.168.64.0/-1", wantErr: ErrInvalidCIDR},
		{input: "192.168/24", wantErr: ErrInvalidStringAddress},
		{input: "1.2.3.4/0", lower: "0.0.0.0", upper: "255.255.255.255"},
		{input: "255.255.255.255/32", lower: "255.255.255.255", upper: "255.255.255.255"},
		{input: "192.168.64.7/24", lower: "192.168.64.0", upper: "192.168.64.255"},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			cidr, err := ParseCIDR(test.input)
			if test.wantErr != nil {
				require.ErrorIs(t, err, test.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, test.lower, cidr.Lower().String())
			assert.Equal(t, test.upper, cidr.Upper().String())
		})
	}
}

func TestCIDRContainsAddr(t *testing.T) {
	cidr, err := ParseCIDR("10.0.4.0/22")
	require.NoError(t, err)

	for _, s := range []string{"10.0.4.0", "10.0.5.17", "10.0.7.255"} {
		addr, err := ParseAddr(s)
		require.NoError(t, err)
		assert.True(t, cidr.ContainsAddr(addr), s)

		// The bitmask relation of Contains must hold.
		assert.Equal(t, uint32(cidr.Lower()), uint32(addr)&cidr.PrefixMask())
	}

	for _, s := range []string{"10.0.3.255", "10.0.8.0", "192.168.0.1"} {
		addr, err := ParseAddr(s)
		require.NoError(t, err)
		assert.False(t, cidr.ContainsAddr(addr), s)
	}
}

func TestCIDROverlaps(t *testing.T) {
	parse := func(s string) CIDR {
		cidr, err := ParseCIDR(s)
		require.NoError(t, err)
		return cidr
	}

	tests := []struct {
		a, b    string
		overlap bool
	}{
		{"192.168.64.0/24", "192.168.64.128/25", true},
		{"192.168.64.0/24", "192.168.0.0/16", true},
		{"192.168.64.0/24", "192.168.65.0/24", false},
		{"0.0.0.0/0", "203.0.113.0/24", true},
		{"10.0.0.0/8", "172.16.0.0/12", false},
	}

	for _, test := range tests {
		a, b := parse(test.a), parse(test.b)
		assert.Equal(t, test.overlap, a.Overlaps(b), "%s vs %s", test.a, test.b)
		assert.Equal(t, test.overlap, b.Overlaps(a), "%s vs %s", test.b, test.a)

		// Overlap is exactly the interval intersection relation.
		expected := a.Lower() <= b.Upper() && b.Lower() <= a.Upper()
		assert.Equal(t, expected, a.Overlaps(b))

		// Containment implies overlap.
		if a.Contains(b) || b.Contains(a) {
			assert.True(t, a.Overlaps(b))
		}
	}
}

func TestAddrString(t *testing.T) {
	addr, err := ParseAddr("203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", addr.String())
	assert.Equal(t, Addr(0xCB007109), addr)
}
