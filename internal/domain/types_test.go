package domain

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressFromUDPRejectsIPv6(t *testing.T) {
	_, ok := AddressFromUDP(&net.UDPAddr{IP: net.ParseIP("::1"), Port: 5064})
	require.False(t, ok)
}

func TestAddressFromUDPRoundTripsThroughString(t *testing.T) {
	a, ok := AddressFromUDP(&net.UDPAddr{IP: net.ParseIP("172.26.0.1"), Port: 5064})
	require.True(t, ok)
	require.Equal(t, "172.26.0.1:5064", a.String())

	b, ok := ParseAddress(a.String())
	require.True(t, ok)
	require.Equal(t, a, b)
}

func TestParseAddressRejectsIPv6AndGarbage(t *testing.T) {
	for _, s := range []string{"[::1]:5064", "not-an-addr", "172.26.0.1", "172.26.0.1:notaport"} {
		_, ok := ParseAddress(s)
		require.Falsef(t, ok, "expected %q to be rejected", s)
	}
}

func TestDtypeMarkOffsetsByShape(t *testing.T) {
	require.Equal(t, int(ScalarF64), DtypeMark(ScalarF64, ShapeScalar))
	require.Equal(t, 1000+int(ScalarF64), DtypeMark(ScalarF64, ShapeWave))
	require.Equal(t, 2000+int(ScalarF64), DtypeMark(ScalarF64, ShapeImage))
}

func TestScalarTypeIndexMatchesOrdinal(t *testing.T) {
	require.Equal(t, 0, ScalarU8.Index())
	require.Equal(t, 11, ScalarString.Index())
}
