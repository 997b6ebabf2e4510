package tcp

import "errors"

// Errors surfaced to applications through the Listener/Stream façade.
var (
	// ErrAddressInUse is returned by Interface.Listen when the port already
	// has a listener.
	ErrAddressInUse = errors.New("tcp: address already in use")
	// ErrConnectionAborted is returned by Stream operations once the
	// connection's PCB has been evicted from the table (RST received,
	// TIME-WAIT expired, or Abort called).
	ErrConnectionAborted = errors.New("tcp: connection aborted")
	// ErrNotConnected is returned by Stream.Close when the connection is
	// in TIME-WAIT (closing an already-closing connection is a no-op), and
	// by Stream.Write when the connection no longer accepts writes.
	ErrNotConnected = errors.New("tcp: not connected")
	// ErrWouldBlock is returned by Stream.Write when the outgoing queue
	// has no room at all; Write never waits for space to free up.
	ErrWouldBlock = errors.New("tcp: would block")
)

// errNotSYN is returned internally by Accept when the opening segment
// doesn't carry SYN; never surfaced to applications directly.
var errNotSYN = errors.New("tcp: expected SYN to accept connection")
