package utils

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWei(t *testing.T) {
	v, ok := ParseWei("1000000000000000000")
	require.True(t, ok)
	assert.Equal(t, big.NewInt(1_000_000_000_000_000_000), v)

	v, ok = ParseWei(" 42 ")
	require.True(t, ok)
	assert.Equal(t, big.NewInt(42), v)

	// Larger than uint64 still parses.
	v, ok = ParseWei("340282366920938463463374607431768211456")
	require.True(t, ok)
	assert.Equal(t, "340282366920938463463374607431768211456", v.String())

	for _, bad := range []string{"", "-1", "1.5", "0x10", "one"} {
		_, ok := ParseWei(bad)
		assert.False(t, ok, "input %q", bad)
	}
}

func TestWeiToEthString(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0", "0"},
		{"1000000000000000000", "1"},
		{"1500000000000000000", "1.5"},
		{"2000000000000000001", "2.000000000000000001"},
		{"10000000000000000", "0.01"},
		{"123000000000000000000", "123"},
	}
	for _, tc := range cases {
		v, ok := ParseWei(tc.in)
		require.True(t, ok)
		assert.Equal(t, tc.want, WeiToEthString(v), "input %s", tc.in)
	}
}
