//go:build linux

package tun

import (
	"errors"
	"fmt"
	"os/exec"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux is a real /dev/net/tun device in TUN mode (layer-3, IP packets in
// and out, no Ethernet framing). IFF_NO_PI suppresses the 4-byte
// protocol-family prefix some TUN drivers prepend, so Recv/Send deal in
// bare IP packets exactly as the rest of this stack expects.
type Linux struct {
	fd   int
	name string
}

// Open creates or attaches to the named TUN interface (e.g. "tun0"). If
// addr is non-empty it is assigned to the interface with `ip addr add` and
// the link is brought up, mirroring how a real deployment would configure
// the tunnel's point-to-point address.
func Open(name string, addr string) (*Linux, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, errors.New("tun: interface name too long")
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tun: open /dev/net/tun: %w", err)
	}
	ifr := makeifreq(name)
	ifr.setFlags(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := ioctl(fd, unix.TUNSETIFF, unsafe.Pointer(&ifr)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: TUNSETIFF: %w", err)
	}
	if addr != "" {
		if err := exec.Command("ip", "link", "set", "dev", name, "up").Run(); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("tun: bring up %s: %w", name, err)
		}
		if err := exec.Command("ip", "addr", "add", addr, "dev", name).Run(); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("tun: assign address to %s: %w", name, err)
		}
	}
	return &Linux{fd: fd, name: name}, nil
}

func (t *Linux) Send(packet []byte) error {
	n, err := unix.Write(t.fd, packet)
	if err != nil {
		return fmt.Errorf("tun: write: %w", err)
	}
	if n != len(packet) {
		return fmt.Errorf("tun: short write %d/%d", n, len(packet))
	}
	return nil
}

func (t *Linux) Recv(buf []byte) (int, error) {
	n, err := unix.Read(t.fd, buf)
	if err != nil {
		return 0, fmt.Errorf("tun: read: %w", err)
	}
	return n, nil
}

func (t *Linux) Fd() int { return t.fd }

func (t *Linux) Close() error { return unix.Close(t.fd) }

// Name returns the interface name passed to Open.
func (t *Linux) Name() string { return t.name }

func ioctl(fd int, request uintptr, argp unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, uintptr(argp))
	if errno != 0 {
		return errno
	}
	return nil
}

type ifreq struct {
	name [unix.IFNAMSIZ]byte
	data [64]byte
}

func makeifreq(name string) ifreq {
	var ifr ifreq
	copy(ifr.name[:], name)
	return ifr
}

func (ifr *ifreq) setFlags(flags int) {
	*(*uint16)(unsafe.Pointer(&ifr.data[0])) = uint16(flags)
}
