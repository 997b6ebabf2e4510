package tun

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Pipe is an in-memory, socket-pair-backed [Device] used by tests.
// NewPipePair returns both ends of a
// connected pair: packets sent on one are received on the other, and the
// file descriptors are real kernel objects so unix.Poll behaves exactly as
// it would against a genuine tunnel device.
type Pipe struct {
	fd int
}

// NewPipePair returns two connected Devices, a and b, such that a.Send is
// observed by b.Recv and vice versa.
func NewPipePair() (a, b *Pipe, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("tun: socketpair: %w", err)
	}
	return &Pipe{fd: fds[0]}, &Pipe{fd: fds[1]}, nil
}

func (p *Pipe) Send(packet []byte) error {
	n, err := unix.Write(p.fd, packet)
	if err != nil {
		return fmt.Errorf("tun: pipe write: %w", err)
	}
	if n != len(packet) {
		return fmt.Errorf("tun: pipe short write %d/%d", n, len(packet))
	}
	return nil
}

func (p *Pipe) Recv(buf []byte) (int, error) {
	n, err := unix.Read(p.fd, buf)
	if err != nil {
		return 0, fmt.Errorf("tun: pipe read: %w", err)
	}
	return n, nil
}

func (p *Pipe) Fd() int { return p.fd }

func (p *Pipe) Close() error { return unix.Close(p.fd) }
