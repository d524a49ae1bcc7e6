package endpoint

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromIP(t *testing.T) {
	tests := []struct {
		name      string
		ip        net.IP
		port      uint16
		wantV4    bool
		wantError bool
	}{
		{name: "v4", ip: net.ParseIP("192.168.1.1"), port: 443, wantV4: true},
		{name: "v6", ip: net.ParseIP("2001:db8::1"), port: 80, wantV4: false},
		{name: "nil", ip: nil, port: 80, wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := FromIP(tt.ip, tt.port)
			if tt.wantError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantV4, e.IsV4Mapped())
			assert.Equal(t, tt.port, e.Port)
			assert.Equal(t, tt.ip.String(), e.IP().String())
		})
	}
}

func TestFromBytes(t *testing.T) {
	e, err := FromBytes([]byte{93, 184, 216, 34}, 80)
	require.NoError(t, err)
	assert.True(t, e.IsV4Mapped())
	assert.Equal(t, "93.184.216.34", e.IP().String())

	_, err = FromBytes([]byte{1, 2, 3}, 80)
	require.Error(t, err)
}

func TestFromAddrPort(t *testing.T) {
	ap := netip.MustParseAddrPort("10.0.0.1:53")
	e := FromAddrPort(ap)
	assert.True(t, e.IsV4Mapped())
	assert.Equal(t, uint16(53), e.Port)
	assert.Equal(t, "10.0.0.1:53", e.String())
}

func TestParse(t *testing.T) {
	e, ok := Parse("127.0.0.1", 1080)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:1080", e.String())

	e, ok = Parse("::1", 1080)
	require.True(t, ok)
	assert.Equal(t, "[::1]:1080", e.String())

	_, ok = Parse("not-an-ip", 1080)
	assert.False(t, ok)
}

func TestPortBytes(t *testing.T) {
	e, ok := Parse("127.0.0.1", 0x1f90) // 8080
	require.True(t, ok)
	assert.Equal(t, [2]byte{0x1f, 0x90}, e.PortBytes())
}

func TestFromHostPort(t *testing.T) {
	e, err := FromHostPort("192.0.2.1:9050")
	require.NoError(t, err)
	assert.Equal(t, uint16(9050), e.Port)

	_, err = FromHostPort("example.com:9050")
	require.Error(t, err)

	_, err = FromHostPort("not-valid")
	require.Error(t, err)
}

func TestNetAddr(t *testing.T) {
	e, ok := Parse("203.0.113.5", 22)
	require.True(t, ok)
	na := e.NetAddr()
	assert.Equal(t, "203.0.113.5", na.IP.String())
	assert.Equal(t, 22, na.Port)
}
