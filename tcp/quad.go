package tcp

import (
	"fmt"
	"net/netip"
)

// Quad is the 4-tuple identifying a TCP connection: the local and remote
// (address, port) pairs. It is immutable once a connection's PCB is
// created and, being comparable, keys the connection table directly.
type Quad struct {
	LocalAddr  [4]byte
	LocalPort  uint16
	RemoteAddr [4]byte
	RemotePort uint16
}

func (q Quad) String() string {
	l := netip.AddrPortFrom(netip.AddrFrom4(q.LocalAddr), q.LocalPort)
	r := netip.AddrPortFrom(netip.AddrFrom4(q.RemoteAddr), q.RemotePort)
	return fmt.Sprintf("%s<->%s", l, r)
}
