// Package tun provides the point-to-point layer-3 tunnel device abstraction
// that sits below the TCP stack in package tcp: a bidirectional channel of
// whole IP packets, plus a raw file descriptor so the ingress loop can
// multiplex on it with poll(2).
package tun

// Device is the packet sink the TCP stack reads from and writes to: a
// bidirectional, blocking, whole-packet byte channel. Send and Recv operate
// on entire IP packets, never partial ones.
type Device interface {
	// Send writes one IP packet. It either writes the whole packet or
	// returns an error; partial writes are not meaningful for a tunnel
	// device.
	Send(packet []byte) error
	// Recv blocks until one packet is available and copies it into buf,
	// returning its length. buf must be large enough for the device's MTU.
	Recv(buf []byte) (int, error)
	// Fd returns the underlying file descriptor, valid for use with
	// poll(2)/unix.Poll. Implementations that aren't backed by a real fd
	// (e.g. an in-memory test device) still must return a pollable fd.
	Fd() int
	// Close releases the device. Concurrent Recv calls unblock with an
	// error.
	Close() error
}
