package tcp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tuntcp/tuntcp/ipv4"
)

// pollTimeout is how often the ingress loop wakes even with no traffic,
// to drive retransmission and TIME-WAIT eviction via Table.Tick.
const pollTimeout = 10 * time.Millisecond

// Interface binds a [Sink]-and-receiver packet device (normally a
// [tun.Device]) to a [Table] and runs the single ingress goroutine that
// feeds it. One Interface serves every listener and stream built on top
// of it.
type Interface struct {
	dev       deviceReceiver
	table     *Table
	localAddr [4]byte
	log       *slog.Logger
}

// deviceReceiver is the subset of tun.Device the ingress loop needs.
// Declared locally so this package doesn't import tun (avoiding a
// dependency edge the other direction never needs).
type deviceReceiver interface {
	Sink
	Recv(buf []byte) (int, error)
	Fd() int
}

// NewInterface constructs an Interface. localAddr is the IPv4 address
// this stack answers to; cfg tunes per-connection timers.
func NewInterface(dev deviceReceiver, localAddr [4]byte, cfg ConnConfig, log *slog.Logger) *Interface {
	return &Interface{
		dev:       dev,
		table:     NewTable(cfg, log),
		localAddr: localAddr,
		log:       log,
	}
}

// Run drives the ingress loop until ctx is done or the device returns a
// fatal error. It is meant to be run in its own goroutine; every
// Listener/Stream built from this Interface is safe to use concurrently
// with Run.
func (ifc *Interface) Run(ctx context.Context) error {
	fds := []unix.PollFd{{Fd: int32(ifc.dev.Fd()), Events: unix.POLLIN}}
	var buf [2048]byte
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := unix.Poll(fds, int(pollTimeout/time.Millisecond))
		if err != nil && err != unix.EINTR {
			return err
		}
		if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
			nr, err := ifc.dev.Recv(buf[:])
			if err == nil && nr > 0 {
				ifc.handlePacket(buf[:nr])
			}
		}
		ifc.table.Tick(ifc.dev, time.Now())
	}
}

func (ifc *Interface) handlePacket(pkt []byte) {
	drop := func(msg string, attrs ...slog.Attr) {
		if ifc.log != nil {
			ifc.log.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
		}
	}
	ihdr, err := ipv4.NewFrame(pkt)
	if err != nil {
		drop("dropping malformed IPv4 packet", slog.String("err", err.Error()))
		return
	}
	if err := ihdr.Validate(); err != nil {
		drop("dropping malformed IPv4 packet", slog.String("err", err.Error()))
		return
	}
	if ihdr.Protocol() != ipv4.ProtoTCP {
		drop("dropping non-TCP packet", slog.String("proto", ihdr.Protocol().String()))
		return
	}
	if *ihdr.DestinationAddr() != ifc.localAddr {
		return
	}
	tcpBytes := ihdr.Payload()
	tfrm, err := NewFrame(tcpBytes)
	if err != nil {
		drop("dropping malformed TCP segment", slog.String("err", err.Error()))
		return
	}
	if err := tfrm.ValidateSize(); err != nil {
		drop("dropping malformed TCP segment", slog.String("err", err.Error()))
		return
	}
	payload := tfrm.Payload()
	seg := tfrm.Segment(len(payload))
	quad := Quad{
		LocalAddr:  *ihdr.DestinationAddr(),
		LocalPort:  tfrm.DestinationPort(),
		RemoteAddr: *ihdr.SourceAddr(),
		RemotePort: tfrm.SourcePort(),
	}
	ifc.table.Dispatch(ifc.dev, quad, seg, payload, time.Now())
}

// Table returns the Interface's underlying connection table, for use by
// metrics collectors.
func (ifc *Interface) Table() *Table { return ifc.table }

// Listen binds port and returns a Listener that accepts inbound
// connections on it.
func (ifc *Interface) Listen(port uint16) (*Listener, error) {
	l, err := ifc.table.bind(port)
	if err != nil {
		return nil, err
	}
	return &Listener{ifc: ifc, raw: l, port: port}, nil
}

// Listener accepts inbound connections on one bound port.
type Listener struct {
	ifc  *Interface
	raw  *listener
	port uint16

	closeOnce sync.Once
}

// Accept blocks until an inbound SYN has created a connection on this port
// (or ctx is done, or the Listener is closed), and returns a Stream for it.
// The connection may still be in SYN-RECEIVED when Accept returns.
func (l *Listener) Accept(ctx context.Context) (*Stream, error) {
	stop := watchContext(ctx, l.ifc.table)
	defer stop()
	c, err := l.ifc.table.acceptFrom(l.raw, ctx.Err)
	if err != nil {
		return nil, err
	}
	return &Stream{ifc: l.ifc, quad: c.Quad()}, nil
}

// Close stops accepting new connections on this port and aborts every
// connection still waiting in its accept backlog.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() { l.ifc.table.unbind(l.port) })
	return nil
}

// Stream is one accepted TCP connection's application-facing byte-stream
// interface.
type Stream struct {
	ifc  *Interface
	quad Quad
}

// Quad returns the connection's 4-tuple.
func (s *Stream) Quad() Quad { return s.quad }

// Read blocks until data is available, the peer has finished sending
// (io.EOF), the connection is aborted, or ctx is done.
func (s *Stream) Read(ctx context.Context, buf []byte) (int, error) {
	stop := watchContext(ctx, s.ifc.table)
	defer stop()
	return s.ifc.table.readBlocking(s.quad, buf, ctx.Err)
}

// Write copies as much of buf as fits into the outgoing queue and returns
// its length. It never blocks: a completely full queue fails with
// ErrWouldBlock immediately. The bytes are queued for transmission by the
// Interface's ingress-loop tick, not sent inline.
func (s *Stream) Write(ctx context.Context, buf []byte) (int, error) {
	return s.ifc.table.writeBlocking(s.quad, buf)
}

// Flush blocks until every byte handed to Write has been acknowledged by
// the peer, or ctx is done.
func (s *Stream) Flush(ctx context.Context) error {
	stop := watchContext(ctx, s.ifc.table)
	defer stop()
	return s.ifc.table.flushBlocking(s.quad, ctx.Err)
}

// Close initiates an active close (sends FIN once buffered data drains).
// It does not wait for the peer's half of the close to complete.
func (s *Stream) Close() error {
	return s.ifc.table.closeConn(s.quad)
}

// Abort immediately sends a RST and evicts the connection from the table,
// skipping the graceful close sequence entirely.
func (s *Stream) Abort() {
	s.ifc.table.abortConn(s.ifc.dev, s.quad, time.Now())
}

// watchContext starts a goroutine that broadcasts both of t's condition
// variables when ctx is done, so a blocked Wait() wakes up to notice
// ctx's cancellation instead of waiting for unrelated network activity.
// The returned func must be called to stop the goroutine once the wait
// is over.
func watchContext(ctx context.Context, t *Table) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.read.Broadcast()
			t.acceptOrWrite.Broadcast()
			t.mu.Unlock()
		case <-done:
		}
	}()
	return func() { close(done) }
}
