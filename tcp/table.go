package tcp

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

// listener is the pending-accept state for one bound, listening port.
type listener struct {
	port    uint16
	backlog []Quad // FIFO of quads whose PCB exists but hasn't been Accepted yet.
	closed  bool
}

// Table is the connection table: every active PCB keyed by its 4-tuple,
// plus the pending-accept backlog for each bound port. A single mutex
// guards all of it, with two condition variables broadcasting readiness:
// acceptOrWrite wakes blocked Accept and Flush callers, read wakes
// blocked Read callers. Table itself never touches the network; callers
// supply a [Sink] to every method that may need to emit a segment.
type Table struct {
	mu            sync.Mutex
	acceptOrWrite *sync.Cond
	read          *sync.Cond

	conns     map[Quad]*Connection
	listeners map[uint16]*listener

	cfg ConnConfig
	log *slog.Logger
}

// NewTable constructs an empty connection table.
func NewTable(cfg ConnConfig, log *slog.Logger) *Table {
	t := &Table{
		conns:     make(map[Quad]*Connection),
		listeners: make(map[uint16]*listener),
		cfg:       cfg,
		log:       log,
	}
	t.acceptOrWrite = sync.NewCond(&t.mu)
	t.read = sync.NewCond(&t.mu)
	return t
}

// bind registers port as listening. It fails with [ErrAddressInUse] if the
// port already has a listener.
func (t *Table) bind(port uint16) (*listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.listeners[port]; exists {
		return nil, ErrAddressInUse
	}
	l := &listener{port: port}
	t.listeners[port] = l
	return l, nil
}

// unbind removes port's listener, aborting every connection still waiting
// in its accept backlog.
func (t *Table) unbind(port uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.listeners[port]
	if !ok {
		return
	}
	l.closed = true
	for _, q := range l.backlog {
		if c := t.conns[q]; c != nil {
			c.aborted = true
		}
		delete(t.conns, q)
	}
	delete(t.listeners, port)
	t.acceptOrWrite.Broadcast()
}

// acceptFrom blocks until a quad is pending in l's backlog or l is closed,
// and returns the corresponding Connection. waitFn is called with the
// table's mutex held and should return an error (e.g. from a done
// context) to abandon the wait, or nil to keep blocking.
func (t *Table) acceptFrom(l *listener, waitFn func() error) (*Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if l.closed {
			return nil, ErrConnectionAborted
		}
		if len(l.backlog) > 0 {
			q := l.backlog[0]
			l.backlog = l.backlog[1:]
			c := t.conns[q]
			if c == nil {
				continue // evicted between enqueue and accept; try the next one.
			}
			return c, nil
		}
		if err := t.waitAcceptOrWrite(waitFn); err != nil {
			return nil, err
		}
	}
}

// waitAcceptOrWrite waits on the accept/write condition variable, checking
// waitFn both before and after the wait so a caller can plumb a
// context.Context's cancellation through without this package importing
// context itself.
func (t *Table) waitAcceptOrWrite(waitFn func() error) error {
	if waitFn != nil {
		if err := waitFn(); err != nil {
			return err
		}
	}
	t.acceptOrWrite.Wait()
	if waitFn != nil {
		return waitFn()
	}
	return nil
}

// Dispatch routes one parsed incoming segment to its connection, or (for
// a SYN addressed to a bound port) creates a new one. now is the capture
// time used for RTT/TIME-WAIT bookkeeping.
func (t *Table) Dispatch(sink Sink, quad Quad, seg Segment, payload []byte, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.conns[quad]; ok {
		avail := c.OnPacket(sink, seg, payload, now)
		t.broadcast(avail)
		if c.Aborted() {
			delete(t.conns, quad)
			t.acceptOrWrite.Broadcast()
			t.read.Broadcast()
		}
		return
	}

	if !seg.Flags.HasAny(FlagSYN) || seg.Flags.HasAny(FlagACK) {
		return // no PCB and not a fresh SYN: silently dropped (see DESIGN.md).
	}
	l, ok := t.listeners[quad.LocalPort]
	if !ok || l.closed {
		return // nothing listening on this port.
	}
	c, err := Accept(sink, quad, seg, now, t.cfg, t.log)
	if err != nil {
		return
	}
	t.conns[quad] = c
	l.backlog = append(l.backlog, quad)
	t.acceptOrWrite.Broadcast()
}

func (t *Table) broadcast(avail Available) {
	if avail&AvailRead != 0 {
		t.read.Broadcast()
	}
	if avail&AvailWrite != 0 {
		t.acceptOrWrite.Broadcast()
	}
}

// Tick drives retransmission, fresh transmission, and TIME-WAIT eviction
// for every connection in the table. It is called once per ingress poll
// timeout.
func (t *Table) Tick(sink Sink, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for quad, c := range t.conns {
		c.OnTick(sink, now)
		if c.Aborted() {
			delete(t.conns, quad)
		}
	}
	t.read.Broadcast()
	t.acceptOrWrite.Broadcast()
}

// ConnStat is a point-in-time snapshot of one connection, for metrics
// collection. It never aliases the Connection itself.
type ConnStat struct {
	Quad        Quad
	State       State
	UnackedLen  int
	IncomingLen int
}

// Snapshot returns a stat for every connection currently in the table.
func (t *Table) Snapshot() []ConnStat {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := make([]ConnStat, 0, len(t.conns))
	for quad, c := range t.conns {
		stats = append(stats, ConnStat{
			Quad:        quad,
			State:       c.state,
			UnackedLen:  c.unacked.Buffered(),
			IncomingLen: c.incoming.Buffered(),
		})
	}
	return stats
}

// connOf returns the live Connection for quad, or nil if it has been
// evicted from the table.
func (t *Table) connOf(quad Quad) *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[quad]
}

// peerClosed reports whether the peer has sent its FIN and no more
// incoming data will ever arrive for this connection.
func (c *Connection) peerClosed() bool {
	switch c.state {
	case StateCloseWait, StateLastAck, StateClosing, StateTimeWait:
		return true
	default:
		return false
	}
}

// readBlocking reads into buf from quad's incoming queue, blocking until
// data is available, the peer has finished sending (io.EOF), or waitFn
// returns an error.
func (t *Table) readBlocking(quad Quad, buf []byte, waitFn func() error) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		c, ok := t.conns[quad]
		if !ok {
			return 0, ErrConnectionAborted
		}
		if c.incoming.Buffered() > 0 {
			n, err := c.incoming.Read(buf)
			if err != nil {
				return 0, err
			}
			return n, nil
		}
		if c.peerClosed() {
			return 0, io.EOF
		}
		if waitFn != nil {
			if err := waitFn(); err != nil {
				return 0, err
			}
		}
		t.read.Wait()
	}
}

// writeBlocking copies as much of buf as fits into quad's unacked queue. It
// never blocks: a completely full queue fails with ErrWouldBlock rather than
// waiting for room to free up.
func (t *Table) writeBlocking(quad Quad, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[quad]
	if !ok {
		return 0, ErrConnectionAborted
	}
	if !c.state.acceptsWrites() {
		return 0, ErrNotConnected
	}
	free := c.unacked.Free()
	if free == 0 {
		return 0, ErrWouldBlock
	}
	// Ring.Write rejects a write longer than Free() outright, so the chunk
	// is capped here to turn an oversized write into a partial one.
	chunk := buf
	if len(chunk) > free {
		chunk = chunk[:free]
	}
	n, err := c.unacked.Write(chunk)
	if err != nil && n == 0 {
		return 0, err
	}
	t.acceptOrWrite.Broadcast()
	return n, nil
}

// flushBlocking blocks until quad's unacked queue has fully drained
// (every written byte acknowledged) or waitFn returns an error.
func (t *Table) flushBlocking(quad Quad, waitFn func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		c, ok := t.conns[quad]
		if !ok {
			return ErrConnectionAborted
		}
		if c.unacked.Buffered() == 0 {
			return nil
		}
		if waitFn != nil {
			if err := waitFn(); err != nil {
				return err
			}
		}
		t.acceptOrWrite.Wait()
	}
}

// closeConn initiates an active close on quad's connection.
func (t *Table) closeConn(quad Quad) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[quad]
	if !ok {
		return ErrConnectionAborted
	}
	return c.Close()
}

// abortConn sends a RST for quad and evicts it from the table immediately.
func (t *Table) abortConn(sink Sink, quad Quad, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[quad]
	if !ok {
		return
	}
	c.Abort(sink, now)
	delete(t.conns, quad)
	t.read.Broadcast()
	t.acceptOrWrite.Broadcast()
}
