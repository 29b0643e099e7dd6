package tracker

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactPeer(t *testing.T) {
	cp := NewCompactPeer(netip.MustParseAddrPort("1.2.3.4:5"))
	b, err := cp.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 0, 5}, b)

	var cp2 CompactPeer
	require.NoError(t, cp2.UnmarshalBinary(b))
	assert.Equal(t, cp, cp2)
	assert.Equal(t, "1.2.3.4:5", cp2.Addr().String())
}

func TestDecodePeersCompact(t *testing.T) {
	addrs, err := DecodePeersCompact([]byte{
		10, 0, 0, 1, 0x1a, 0xe1,
		10, 0, 0, 2, 0, 0,
		10, 0, 0, 3, 0x1a, 0xe2,
	})
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:6881"),
		netip.MustParseAddrPort("10.0.0.3:6882"),
	}, addrs)

	_, err = DecodePeersCompact([]byte{1, 2, 3})
	assert.ErrorIs(t, err, errCompactLength)
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "started", EventStarted.String())
	assert.Equal(t, "completed", EventCompleted.String())
	assert.Equal(t, "stopped", EventStopped.String())
}
