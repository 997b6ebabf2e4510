package tcp

import (
	"math/bits"

	"github.com/tuntcp/tuntcp/seqnum"
)

// Value and Size are the sequence-number and byte-count types used
// throughout this package; see [seqnum.Value] and [seqnum.Size].
type (
	Value = seqnum.Value
	Size  = seqnum.Size
)

// Segment is the sequence-space view of an incoming or outgoing TCP
// segment: the fields [Connection.OnPacket] and [Connection.OnTick] reason
// about, independent of how the bytes were framed on the wire.
type Segment struct {
	SEQ     Value // sequence number of the segment's first octet (or the ISN if SYN is set).
	ACK     Value // acknowledgment number, meaningful only if Flags has FlagACK set.
	DATALEN Size  // payload length, not counting SYN/FIN.
	WND     Size  // advertised window.
	Flags   Flags
}

// Len returns the length of the segment in sequence-number space, i.e. the
// number of sequence numbers it consumes, including the SYN and FIN flags.
func (seg Segment) Len() Size {
	n := seg.DATALEN
	if seg.Flags.HasAny(FlagSYN) {
		n++
	}
	if seg.Flags.HasAny(FlagFIN) {
		n++
	}
	return n
}

// Flags is the TCP control-bit bitmask (SYN, ACK, FIN, RST, ...).
type Flags uint16

const (
	FlagFIN Flags = 1 << iota // FIN: no more data from sender.
	FlagSYN                   // SYN: synchronize sequence numbers.
	FlagRST                   // RST: reset the connection.
	FlagPSH                   // PSH: push function.
	FlagACK                   // ACK: acknowledgment field significant.
	FlagURG                   // URG: urgent pointer field significant.
)

const flagMask = 0x3f

// HasAll reports whether every bit in mask is set in flags.
func (flags Flags) HasAll(mask Flags) bool { return flags&mask == mask }

// HasAny reports whether any bit in mask is set in flags.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// Mask clears any bits outside the flags this stack understands.
func (flags Flags) Mask() Flags { return flags & flagMask }

func (flags Flags) String() string {
	switch flags.Mask() {
	case 0:
		return "[]"
	case FlagSYN | FlagACK:
		return "[SYN,ACK]"
	case FlagFIN | FlagACK:
		return "[FIN,ACK]"
	case FlagACK:
		return "[ACK]"
	case FlagSYN:
		return "[SYN]"
	case FlagFIN:
		return "[FIN]"
	case FlagRST:
		return "[RST]"
	}
	const names = "FINSYNRSTPSHACKURG"
	const w = 3
	buf := make([]byte, 0, 2+4*bits.OnesCount16(uint16(flags)))
	buf = append(buf, '[')
	first := true
	f := flags.Mask()
	for f != 0 {
		i := bits.TrailingZeros16(uint16(f))
		if !first {
			buf = append(buf, ',')
		}
		first = false
		buf = append(buf, names[i*w:i*w+w]...)
		f &= ^(1 << i)
	}
	buf = append(buf, ']')
	return string(buf)
}

// State enumerates the states a connection progresses through. Closed and
// Listen are not represented here: a PCB enters the connection table in
// SYN-RECEIVED and is removed from it once closed or aborted, and Listen
// is represented externally by a port's pending-accept queue.
type State uint8

const (
	StateSynRcvd   State = iota // SYN-RECEIVED
	StateEstab                  // ESTABLISHED
	StateFinWait1               // FIN-WAIT-1
	StateFinWait2               // FIN-WAIT-2
	StateClosing                // CLOSING
	StateTimeWait               // TIME-WAIT
	StateCloseWait              // CLOSE-WAIT
	StateLastAck                // LAST-ACK
)

func (s State) String() string {
	switch s {
	case StateSynRcvd:
		return "SYN-RECEIVED"
	case StateEstab:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN-WAIT-1"
	case StateFinWait2:
		return "FIN-WAIT-2"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME-WAIT"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateLastAck:
		return "LAST-ACK"
	default:
		return "UNKNOWN"
	}
}

// IsSynchronized reports whether s is one of the states reachable only
// after the three-way handshake completed (RFC 793's "synchronized
// states").
func (s State) IsSynchronized() bool {
	switch s {
	case StateEstab, StateFinWait1, StateFinWait2, StateClosing, StateTimeWait, StateCloseWait, StateLastAck:
		return true
	default:
		return false
	}
}

// acceptsWrites reports whether the application may still enqueue bytes
// for transmission in this state.
func (s State) acceptsWrites() bool {
	switch s {
	case StateSynRcvd, StateEstab, StateCloseWait:
		return true
	default:
		return false
	}
}
