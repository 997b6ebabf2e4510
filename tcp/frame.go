package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const sizeHeaderTCP = 20

// NewFrame returns a new Frame with data set to buf. An error is returned
// if the buffer is smaller than the fixed 20-byte header (this
// implementation never emits or parses TCP options).
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderTCP {
		return Frame{buf: nil}, errors.New("tcp: short buffer")
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw bytes of a TCP segment and provides zero-copy
// accessors for its header fields. See [RFC9293].
//
// [RFC9293]: https://datatracker.ietf.org/doc/html/rfc9293
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (tfrm Frame) RawData() []byte { return tfrm.buf }

func (tfrm Frame) SourcePort() uint16 { return binary.BigEndian.Uint16(tfrm.buf[0:2]) }
func (tfrm Frame) SetSourcePort(p uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[0:2], p)
}

func (tfrm Frame) DestinationPort() uint16 { return binary.BigEndian.Uint16(tfrm.buf[2:4]) }
func (tfrm Frame) SetDestinationPort(p uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[2:4], p)
}

// Seq returns the sequence number of the segment's first octet (the ISN if
// SYN is set, in which case the first data octet is ISN+1).
func (tfrm Frame) Seq() Value { return Value(binary.BigEndian.Uint32(tfrm.buf[4:8])) }
func (tfrm Frame) SetSeq(v Value) {
	binary.BigEndian.PutUint32(tfrm.buf[4:8], uint32(v))
}

// Ack is the next sequence number the sender expects to receive, valid
// only when FlagACK is set.
func (tfrm Frame) Ack() Value { return Value(binary.BigEndian.Uint32(tfrm.buf[8:12])) }
func (tfrm Frame) SetAck(v Value) {
	binary.BigEndian.PutUint32(tfrm.buf[8:12], uint32(v))
}

// OffsetAndFlags returns the data-offset (header length in 32-bit words)
// and control-bit fields.
func (tfrm Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(tfrm.buf[12:14])
	return uint8(v >> 12), Flags(v).Mask()
}

func (tfrm Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags.Mask())
	binary.BigEndian.PutUint16(tfrm.buf[12:14], v)
}

// HeaderLength returns the header length in bytes, options included. This
// implementation always sets it to 20 (no options).
func (tfrm Frame) HeaderLength() int {
	offset, _ := tfrm.OffsetAndFlags()
	return 4 * int(offset)
}

func (tfrm Frame) WindowSize() uint16 { return binary.BigEndian.Uint16(tfrm.buf[14:16]) }
func (tfrm Frame) SetWindowSize(v uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[14:16], v)
}

func (tfrm Frame) CRC() uint16 { return binary.BigEndian.Uint16(tfrm.buf[16:18]) }
func (tfrm Frame) SetCRC(cs uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[16:18], cs)
}

func (tfrm Frame) UrgentPtr() uint16 { return binary.BigEndian.Uint16(tfrm.buf[18:20]) }
func (tfrm Frame) SetUrgentPtr(up uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[18:20], up)
}

// Payload returns the segment data following the (option-free) header.
func (tfrm Frame) Payload() []byte {
	return tfrm.buf[tfrm.HeaderLength():]
}

// Segment returns the [Segment] view of the header plus the given data
// length (the data length isn't stored in the wire format, so the caller
// supplies it — typically len(Payload())).
func (tfrm Frame) Segment(payloadSize int) Segment {
	_, flags := tfrm.OffsetAndFlags()
	return Segment{
		SEQ:     tfrm.Seq(),
		ACK:     tfrm.Ack(),
		WND:     Size(tfrm.WindowSize()),
		DATALEN: Size(payloadSize),
		Flags:   flags,
	}
}

// SetSegment writes a [Segment]'s sequence, ack, flag and window fields
// into the frame with a fixed 5-word (20-byte, no options) header.
func (tfrm Frame) SetSegment(seg Segment) {
	tfrm.SetSeq(seg.SEQ)
	tfrm.SetAck(seg.ACK)
	tfrm.SetOffsetAndFlags(5, seg.Flags)
	tfrm.SetWindowSize(uint16(seg.WND))
}

// ClearHeader zeros out the fixed header bytes.
func (tfrm Frame) ClearHeader() {
	for i := range tfrm.buf[:sizeHeaderTCP] {
		tfrm.buf[i] = 0
	}
}

func (tfrm Frame) String() string {
	seg := tfrm.Segment(len(tfrm.Payload()))
	return fmt.Sprintf("TCP :%d -> :%d SEQ=%d ACK=%d %s",
		tfrm.SourcePort(), tfrm.DestinationPort(), seg.SEQ, seg.ACK, seg.Flags)
}

var (
	errShortTCP  = errors.New("tcp: header offset exceeds frame")
	errBadTCPOff = errors.New("tcp: invalid header offset")
)

// ValidateSize checks the frame's data-offset field against the backing
// buffer length and returns the first inconsistency found, or nil.
func (tfrm Frame) ValidateSize() error {
	off := tfrm.HeaderLength()
	switch {
	case off < sizeHeaderTCP:
		return errBadTCPOff
	case off > len(tfrm.RawData()):
		return errShortTCP
	}
	return nil
}
