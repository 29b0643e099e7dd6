package tracker

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// compactPeerLength is 4 bytes of IPv4 address followed by 2 bytes of port.
const compactPeerLength = 6

var errCompactLength = errors.New("invalid peer list length")

// CompactPeer is the address of a peer in compact form.
type CompactPeer struct {
	IP   [4]byte
	Port uint16
}

// NewCompactPeer returns a CompactPeer for an IPv4 address.
func NewCompactPeer(addr netip.AddrPort) CompactPeer {
	return CompactPeer{IP: addr.Addr().Unmap().As4(), Port: addr.Port()}
}

// Addr returns the address of the peer.
func (p CompactPeer) Addr() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(p.IP), p.Port)
}

// MarshalBinary returns the bytes.
func (p CompactPeer) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, compactPeerLength)
	b = append(b, p.IP[:]...)
	return binary.BigEndian.AppendUint16(b, p.Port), nil
}

// UnmarshalBinary reads bytes from a slice into the CompactPeer.
func (p *CompactPeer) UnmarshalBinary(data []byte) error {
	if len(data) != compactPeerLength {
		return errors.New("invalid compact peer length")
	}
	copy(p.IP[:], data[:4])
	p.Port = binary.BigEndian.Uint16(data[4:])
	return nil
}

// DecodePeersCompact parses and returns addresses for list of CompactPeers.
// Peers with a zero port are skipped.
func DecodePeersCompact(b []byte) ([]netip.AddrPort, error) {
	if len(b)%compactPeerLength != 0 {
		return nil, errCompactLength
	}
	addrs := make([]netip.AddrPort, 0, len(b)/compactPeerLength)
	for i := 0; i < len(b); i += compactPeerLength {
		var peer CompactPeer
		if err := peer.UnmarshalBinary(b[i : i+compactPeerLength]); err != nil {
			return nil, err
		}
		if peer.Port == 0 {
			continue
		}
		addrs = append(addrs, peer.Addr())
	}
	return addrs, nil
}
