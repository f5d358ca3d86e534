package rheia

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddressPortAlone(t *testing.T) {
	a, err := ParseAddress("8080")
	require.NoError(t, err)
	assert.Equal(t, AddressIPv4, a.Kind)
	assert.Equal(t, uint16(8080), a.Port)
	assert.Equal(t, [4]byte{0, 0, 0, 0}, [4]byte(a.Octets[:4]))
}

func TestParseAddressIPv4HostPort(t *testing.T) {
	a, err := ParseAddress("192.168.1.1:9000")
	require.NoError(t, err)
	assert.Equal(t, AddressIPv4, a.Kind)
	assert.Equal(t, uint16(9000), a.Port)
	assert.Equal(t, byte(192), a.Octets[0])
	assert.Equal(t, byte(1), a.Octets[3])
}

func TestParseAddressBracketedIPv6(t *testing.T) {
	a, err := ParseAddress("[0:0:0:0:0:0:0:1]:443")
	require.NoError(t, err)
	assert.Equal(t, AddressIPv6, a.Kind)
	assert.Equal(t, uint16(443), a.Port)
}

func TestParseAddressBracketedIPv6WithScope(t *testing.T) {
	a, err := ParseAddress("[fe80:0:0:0:0:0:0:1%5]:80")
	require.NoError(t, err)
	assert.Equal(t, AddressIPv6, a.Kind)
	assert.Equal(t, uint32(5), a.ScopeID)
}

func TestParseAddressMissingEndBracket(t *testing.T) {
	_, err := ParseAddress("[::1:80")
	assert.ErrorIs(t, err, ErrMissingEndBracket)
}

func TestParseAddressMissingPort(t *testing.T) {
	_, err := ParseAddress("[::1]")
	assert.ErrorIs(t, err, ErrMissingPort)
}

func TestParseAddressAmbiguousUnbracketedIPv6(t *testing.T) {
	_, err := ParseAddress("::1:80")
	assert.Error(t, err)
}

func TestParseAddressUnknownProtocol(t *testing.T) {
	_, err := ParseAddress("notanip:80")
	assert.ErrorIs(t, err, ErrUnknownAddressProtocol)
}

func TestAddressEqualAndHash(t *testing.T) {
	a := NewIPv4Address([4]byte{10, 0, 0, 1}, 1234)
	b := NewIPv4Address([4]byte{10, 0, 0, 1}, 1234)
	c := NewIPv4Address([4]byte{10, 0, 0, 2}, 1234)

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Hash(), b.Hash())
	assert.False(t, a.Equal(c))
}

func TestAddressEqualDistinguishesKind(t *testing.T) {
	v4 := NewIPv4Address([4]byte{0, 0, 0, 1}, 80)
	var octets [16]byte
	octets[15] = 1
	v6 := NewIPv6Address(octets, 0, 80)
	assert.False(t, v4.Equal(v6))
}
