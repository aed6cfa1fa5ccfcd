package server

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolSlash30(t *testing.T) {
	p, err := NewPool(netip.MustParsePrefix("10.0.0.0/30"))
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", p.Gateway().String())

	addr, err := p.Acquire()
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", addr.String())

	_, err = p.Acquire()
	require.ErrorIs(t, err, ErrPoolExhausted)

	p.Release(addr)
	again, err := p.Acquire()
	require.NoError(t, err)
	require.Equal(t, addr, again)
}

func TestPoolSkipsReservedAddresses(t *testing.T) {
	p, err := NewPool(netip.MustParsePrefix("192.168.7.0/29"))
	require.NoError(t, err)

	var got []string
	for {
		addr, err := p.Acquire()
		if err != nil {
			require.ErrorIs(t, err, ErrPoolExhausted)
			break
		}
		got = append(got, addr.String())
	}
	require.Equal(t, []string{
		"192.168.7.2", "192.168.7.3", "192.168.7.4", "192.168.7.5", "192.168.7.6",
	}, got)
	require.Equal(t, 5, p.InUse())
}

func TestPoolRoundRobin(t *testing.T) {
	p, err := NewPool(netip.MustParsePrefix("10.1.0.0/24"))
	require.NoError(t, err)

	a, err := p.Acquire()
	require.NoError(t, err)
	p.Release(a)

	b, err := p.Acquire()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestPoolRejectsInvalidPrefix(t *testing.T) {
	_, err := NewPool(netip.MustParsePrefix("10.0.0.0/31"))
	require.Error(t, err)
	_, err = NewPool(netip.MustParsePrefix("fd00::/64"))
	require.Error(t, err)
}

func TestLastAddr(t *testing.T) {
	require.Equal(t, "10.0.0.255", lastAddr(netip.MustParsePrefix("10.0.0.0/24")).String())
	require.Equal(t, "10.15.255.255", lastAddr(netip.MustParsePrefix("10.0.0.0/12")).String())
	require.Equal(t, "172.16.0.3", lastAddr(netip.MustParsePrefix("172.16.0.0/30")).String())
}
