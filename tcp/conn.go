package tcp

import (
	"log/slog"
	"time"

	"github.com/tuntcp/tuntcp/internal"
	"github.com/tuntcp/tuntcp/ipv4"
	"github.com/tuntcp/tuntcp/seqnum"
	"github.com/tuntcp/tuntcp/xsum"
)

const (
	recvWindowSize = 1024 // fixed advertised window, in bytes.
	sendQueueCap   = 1024 // unacked ring capacity, in bytes.
	maxSegment     = 1460 // 1500 - 20 (IPv4) - 20 (TCP), no options ever emitted.
	defaultSRTT    = 60 * time.Second

	retransmitMinWait = time.Second
	retransmitSRTTMul = 1.5
)

// Sink is the packet sink a Connection renders segments onto: a whole-IP-
// packet send, with no partial-write semantics. [tun.Device] satisfies it.
type Sink interface {
	Send(packet []byte) error
}

// Available is the set of readiness conditions [Connection.OnPacket]
// reports back to its caller, which forwards them to the relevant
// condition variables in [Table].
type Available uint8

const (
	AvailRead Available = 1 << iota
	AvailWrite
)

// ConnConfig holds the few tunable parameters a Connection needs beyond
// the fixed protocol constants above.
type ConnConfig struct {
	// TimeWaitDuration bounds how long a connection is held in TIME-WAIT
	// before the table evicts it. Zero selects a 30 second default.
	TimeWaitDuration time.Duration
}

func (cfg ConnConfig) timeWaitDuration() time.Duration {
	if cfg.TimeWaitDuration <= 0 {
		return 30 * time.Second
	}
	return cfg.TimeWaitDuration
}

// sendSpace is the send sequence space of RFC 793 §3.2.
type sendSpace struct {
	iss Value // initial send sequence number (always 0 in this implementation).
	una Value // oldest unacknowledged sequence number.
	nxt Value // next sequence number to send.
	wnd Size  // peer-advertised window.

	// up, wl1, wl2 are tracked per RFC 793 but never acted upon: this
	// implementation has no urgent-data delivery and never updates wnd
	// from incoming segments post-handshake (see DESIGN.md).
	up, wl1, wl2 Value
}

// recvSpace is the receive sequence space of RFC 793 §3.2.
type recvSpace struct {
	irs Value // peer's initial sequence number.
	nxt Value // next sequence number expected from the peer.
	wnd Size  // acceptability window, taken from the opening SYN. The wire advertises the recvWindowSize constant.
	up  Value
}

type sendTimeEntry struct {
	seq Value
	at  time.Time
}

// Connection is a single TCP protocol control block. All of its exported
// methods (other than the internal write/render helpers) are documented
// to be called with the owning [Table]'s mutex held; Connection itself
// does no locking.
type Connection struct {
	quad  Quad
	state State
	cfg   ConnConfig
	log   *slog.Logger

	send sendSpace
	recv recvSpace

	unacked  *internal.Ring // bytes written by the application, awaiting ACK.
	incoming *internal.Ring // bytes delivered by the peer, awaiting the application.

	sendTimes []sendTimeEntry
	srtt      time.Duration

	closed      bool  // application called Close.
	hasClosedAt bool  // the FIN's sequence number has been assigned.
	closedAt    Value // sequence number assigned to the FIN octet.

	aborted bool // RST received, or evicted (TIME-WAIT expiry / Abort).

	timeWaitAt time.Time // when the connection entered TIME-WAIT.

	ipid uint16
}

// Quad returns the connection's 4-tuple.
func (c *Connection) Quad() Quad { return c.quad }

// State returns the connection's current state.
func (c *Connection) State() State { return c.state }

// Aborted reports whether the connection has been torn down (RST, evicted
// TIME-WAIT, or Abort) and should be removed from the table.
func (c *Connection) Aborted() bool { return c.aborted }

// Accept constructs a new Connection from a SYN segment addressed to a
// listening port, and sends the SYN|ACK. It fails if seg does not carry
// SYN; the caller is expected to silently drop the opening segment in
// that case rather than answer with a RST (see DESIGN.md).
func Accept(sink Sink, quad Quad, seg Segment, now time.Time, cfg ConnConfig, log *slog.Logger) (*Connection, error) {
	if !seg.Flags.HasAny(FlagSYN) {
		return nil, errNotSYN
	}
	c := &Connection{
		quad:  quad,
		state: StateSynRcvd,
		cfg:   cfg,
		log:   log,
		send: sendSpace{
			iss: 0,
			una: 0,
			nxt: 0,
			wnd: sendQueueCap,
		},
		recv: recvSpace{
			irs: seg.SEQ,
			nxt: seg.SEQ.Add(1),
			wnd: seg.WND,
		},
		unacked:  &internal.Ring{Buf: make([]byte, sendQueueCap)},
		incoming: &internal.Ring{Buf: make([]byte, recvWindowSize)},
		srtt:     defaultSRTT,
		ipid:     quad.RemotePort ^ quad.LocalPort | 0x1, // non-zero xorshift seed, see render.
	}
	c.traceRcv("accept")
	if _, err := c.write(sink, c.send.iss, 0, now); err != nil {
		return nil, err
	}
	return c, nil
}

// acceptable implements the RFC 793 §3.3 Table 23 segment acceptability
// test, expressed purely in terms of [seqnum.Lt]/[seqnum.Between].
func acceptable(seg Segment, rcvNxt Value, rcvWnd Size) bool {
	slen := seg.Len()
	switch {
	case slen == 0 && rcvWnd == 0:
		return seg.SEQ == rcvNxt
	case slen == 0 && rcvWnd > 0:
		return inWindow(rcvNxt, rcvWnd, seg.SEQ)
	case rcvWnd == 0: // slen > 0
		return false
	default: // slen > 0 && rcvWnd > 0
		last := seg.SEQ.Add(seg.Len() - 1)
		return inWindow(rcvNxt, rcvWnd, seg.SEQ) || inWindow(rcvNxt, rcvWnd, last)
	}
}

// inWindow reports whether x falls in [nxt, nxt+wnd), the half-open window
// starting at nxt.
func inWindow(nxt Value, wnd Size, x Value) bool {
	return seqnum.Between(nxt-1, x, nxt.Add(wnd))
}

// OnPacket admits one incoming segment into the connection's state
// machine. It never blocks and always holds the table mutex throughout
// (enforced by the caller, [Table.Dispatch]). The returned [Available]
// bitset tells the caller which condition variables to broadcast.
func (c *Connection) OnPacket(sink Sink, seg Segment, payload []byte, now time.Time) Available {
	c.traceSeg("onpacket", seg)
	if !acceptable(seg, c.recv.nxt, c.recv.wnd) {
		c.debug("unacceptable segment", slog.Uint64("seq", uint64(seg.SEQ)))
		c.sendAck(sink)
		return c.availability()
	}

	// RFC 9293 §3.10.7.1: a RST whose sequence number is acceptable tears
	// the connection down immediately.
	if seg.Flags.HasAny(FlagRST) {
		c.abort("peer reset")
		return AvailRead | AvailWrite
	}

	if !seg.Flags.HasAny(FlagACK) {
		if seg.Flags.HasAny(FlagSYN) && seg.DATALEN == 0 {
			c.recv.nxt = c.recv.nxt.Add(1) // simultaneous-handshake retransmit of the peer's SYN.
		}
		return c.availability()
	}

	wokeWrite := false

	if c.state == StateSynRcvd {
		if seqnum.BetweenEq(c.send.una, seg.ACK, c.send.nxt) {
			c.state = StateEstab
			c.traceSnd("synrcvd->estab")
		}
	}

	switch c.state {
	case StateEstab, StateFinWait1, StateFinWait2, StateCloseWait, StateClosing, StateLastAck:
		if seg.ACK == c.send.una || seqnum.BetweenEq(c.send.una, seg.ACK, c.send.nxt) {
			dataStart := c.send.una
			if c.send.una == c.send.iss {
				dataStart = c.send.una.Add(1)
			}
			drain := int(dataStart.Sub(seg.ACK))
			if drain > c.unacked.Buffered() {
				drain = c.unacked.Buffered()
			}
			if drain > 0 {
				c.unacked.ReadDiscard(drain)
			}
			c.ackSendTimes(seg.ACK, now)
			if c.send.una != seg.ACK {
				wokeWrite = true
			}
			c.send.una = seg.ACK
		}
	}

	if c.state == StateFinWait1 && c.hasClosedAt && c.send.una == c.closedAt.Add(1) {
		c.state = StateFinWait2
		c.traceSnd("finwait1->finwait2")
	}
	if c.state == StateClosing && c.hasClosedAt && c.send.una == c.closedAt.Add(1) {
		c.state = StateTimeWait
		c.timeWaitAt = now
		c.traceSnd("closing->timewait")
	}
	if c.state == StateLastAck && c.hasClosedAt && c.send.una == c.closedAt.Add(1) {
		c.aborted = true // LAST-ACK complete: connection fully closed both ways.
		c.traceSnd("lastack->closed")
	}

	switch c.state {
	case StateEstab, StateFinWait1, StateFinWait2:
		if len(payload) > 0 {
			// offset is how many leading bytes of this segment duplicate data
			// already delivered; out-of-order segments (seg.SEQ ahead of
			// recv.nxt) wrap to a huge offset here and are correctly treated
			// as carrying nothing new, since this stack never reassembles
			// out-of-order data.
			offset := int(seg.SEQ.Sub(c.recv.nxt))
			if offset > len(payload) {
				offset = len(payload)
			}
			data := payload[offset:]
			// Ring.Write rejects a write longer than its free space outright,
			// and the advertised window is a constant rather than the ring's
			// live free count, so the payload is trimmed to fit here. Bytes
			// past it are dropped for the peer to retransmit once the
			// application drains.
			if free := c.incoming.Free(); len(data) > free {
				data = data[:free]
			}
			if len(data) > 0 {
				if _, err := c.incoming.Write(data); err == nil {
					c.recv.nxt = seg.SEQ.Add(Size(offset + len(data)))
				}
			}
			c.sendAck(sink)
		}
	}

	if seg.Flags.HasAny(FlagFIN) {
		switch c.state {
		case StateEstab:
			c.recv.nxt = c.recv.nxt.Add(1)
			c.state = StateCloseWait
			c.sendAck(sink)
			c.traceRcv("estab->closewait")
		case StateFinWait1:
			c.recv.nxt = c.recv.nxt.Add(1)
			c.state = StateClosing
			c.sendAck(sink)
			c.traceRcv("finwait1->closing")
		case StateFinWait2:
			c.recv.nxt = c.recv.nxt.Add(1)
			c.state = StateTimeWait
			c.timeWaitAt = now
			c.sendAck(sink)
			c.traceRcv("finwait2->timewait")
		}
	}

	avail := c.availability()
	if wokeWrite {
		avail |= AvailWrite
	}
	return avail
}

func (c *Connection) availability() Available {
	var a Available
	if c.incoming.Buffered() > 0 || c.state == StateTimeWait || c.state == StateClosing || c.state == StateLastAck || c.state == StateCloseWait {
		a |= AvailRead
	}
	return a
}

// ackSendTimes removes and folds into srtt every recorded send whose
// starting sequence number was acknowledged by ackn. An entry at exactly
// ackn starts an unacknowledged segment and keeps its timer.
func (c *Connection) ackSendTimes(ackn Value, now time.Time) {
	i := 0
	for i < len(c.sendTimes) {
		e := c.sendTimes[i]
		if !seqnum.Lt(e.seq, ackn) {
			break
		}
		elapsed := now.Sub(e.at)
		c.srtt = time.Duration(0.8*float64(c.srtt) + 0.2*float64(elapsed))
		i++
	}
	c.sendTimes = c.sendTimes[i:]
}

// OnTick drives retransmission and fresh transmission on every ingress
// poll timeout (nominally every 10ms).
func (c *Connection) OnTick(sink Sink, now time.Time) {
	if c.state == StateTimeWait {
		if !c.timeWaitAt.IsZero() && now.Sub(c.timeWaitAt) > c.cfg.timeWaitDuration() {
			c.aborted = true
		}
		return
	}
	if c.state == StateFinWait2 {
		return
	}

	closedEdge := c.send.nxt
	if c.hasClosedAt {
		closedEdge = c.closedAt
	}
	nUnacked := Size(c.send.una.Sub(closedEdge))
	var nUnsent Size
	if int(nUnacked) < c.unacked.Buffered() {
		nUnsent = Size(c.unacked.Buffered()) - nUnacked
	}

	var waited time.Duration
	haveEarliest := len(c.sendTimes) > 0
	if haveEarliest {
		waited = now.Sub(c.sendTimes[0].at)
	}

	if haveEarliest && waited > retransmitMinWait && float64(waited) > retransmitSRTTMul*float64(c.srtt) {
		resendLen := Size(c.unacked.Buffered())
		if resendLen > c.send.wnd {
			resendLen = c.send.wnd
		}
		// A retransmit that doesn't fill the window is the last byte this
		// connection will ever send: carry the FIN on it rather than
		// waiting for a separate, later segment.
		if resendLen < c.send.wnd && c.closed && !c.hasClosedAt {
			c.closedAt = c.send.una.Add(resendLen)
			c.hasClosedAt = true
		}
		c.write(sink, c.send.una, resendLen, now)
		return
	}

	if nUnsent == 0 {
		if c.closed && !c.hasClosedAt {
			c.closedAt = c.send.nxt
			c.hasClosedAt = true
			c.write(sink, c.closedAt, 0, now)
		}
		return
	}
	allowed := Size(0)
	if c.send.wnd > nUnacked {
		allowed = c.send.wnd - nUnacked
	}
	if allowed == 0 {
		return
	}
	sendLen := nUnsent
	if sendLen > allowed {
		sendLen = allowed
	}
	if sendLen < allowed && c.closed && !c.hasClosedAt {
		c.closedAt = c.send.nxt.Add(sendLen)
		c.hasClosedAt = true
	}
	c.write(sink, c.send.nxt, sendLen, now)
}

// Close initiates an active close. It does not itself emit a segment;
// the next OnTick frames the FIN once any buffered data drains.
func (c *Connection) Close() error {
	switch c.state {
	case StateSynRcvd, StateEstab:
		c.closed = true
		c.state = StateFinWait1
		return nil
	case StateCloseWait:
		c.closed = true
		c.state = StateLastAck
		return nil
	case StateFinWait1, StateFinWait2, StateClosing, StateLastAck:
		return nil // already closing.
	default:
		return ErrNotConnected
	}
}

// Abort sends a single RST and marks the connection for immediate
// eviction from the table.
func (c *Connection) Abort(sink Sink, now time.Time) {
	c.sendRST(sink)
	c.aborted = true
}

func (c *Connection) sendAck(sink Sink) {
	seg := Segment{SEQ: c.send.nxt, ACK: c.recv.nxt, WND: recvWindowSize, Flags: FlagACK}
	c.render(sink, seg, nil)
}

func (c *Connection) sendRST(sink Sink) {
	seg := Segment{SEQ: 0, ACK: 0, Flags: FlagRST}
	c.render(sink, seg, nil)
}

func (c *Connection) abort(reason string) {
	c.aborted = true
	c.debug("connection aborted", slog.String("reason", reason))
}

// write is the internal segment emitter used for data, retransmission,
// and the initial SYN|ACK. seq must be >= send.una. It copies up to limit
// bytes starting at seq's offset into unacked, appends SYN/FIN as the
// connection's state dictates, advances send.nxt, and records the send
// time for the retransmission timer.
func (c *Connection) write(sink Sink, seq Value, limit Size, now time.Time) (int, error) {
	offset := int(c.send.una.Sub(seq))
	buffered := c.unacked.Buffered()
	avail := buffered - offset
	if avail < 0 {
		avail = 0
	}
	maxData := int(limit)
	if avail < maxData {
		maxData = avail
	}
	if maxData > maxSegment {
		maxData = maxSegment
	}

	var payload [maxSegment]byte
	if maxData > 0 {
		if _, err := c.unacked.ReadAt(payload[:maxData], int64(offset)); err != nil {
			return 0, err
		}
	}

	dataEnd := seq.Add(Size(maxData))
	synNow := c.state == StateSynRcvd && seq == c.send.iss
	finNow := c.hasClosedAt && dataEnd == c.closedAt

	flags := FlagACK
	if synNow {
		flags |= FlagSYN
	}
	if finNow {
		flags |= FlagFIN
	}

	seg := Segment{SEQ: seq, ACK: c.recv.nxt, WND: recvWindowSize, Flags: flags, DATALEN: Size(maxData)}
	if err := c.render(sink, seg, payload[:maxData]); err != nil {
		return 0, err
	}

	nextSeq := dataEnd
	if synNow {
		nextSeq = nextSeq.Add(1)
	}
	if finNow {
		nextSeq = nextSeq.Add(1)
	}
	if seqnum.Lt(c.send.nxt, nextSeq) {
		c.send.nxt = nextSeq
	}
	c.recordSendTime(seq, now)
	c.traceSnd("write")
	return maxData, nil
}

// recordSendTime stamps seq's transmission time, replacing any entry a
// retransmission supersedes so the retransmit timer measures the latest
// send, not the first. sendTimes stays sorted by sequence so sendTimes[0]
// is the earliest unacked send OnTick's retransmit test probes.
func (c *Connection) recordSendTime(seq Value, now time.Time) {
	i := 0
	for i < len(c.sendTimes) && seqnum.Lt(c.sendTimes[i].seq, seq) {
		i++
	}
	if i < len(c.sendTimes) && c.sendTimes[i].seq == seq {
		c.sendTimes[i].at = now
		return
	}
	c.sendTimes = append(c.sendTimes, sendTimeEntry{})
	copy(c.sendTimes[i+1:], c.sendTimes[i:])
	c.sendTimes[i] = sendTimeEntry{seq: seq, at: now}
}

// render serializes an IPv4+TCP segment carrying payload and hands it to
// sink. It performs no sequence-space bookkeeping; callers that represent
// "new work" (write) do that themselves.
func (c *Connection) render(sink Sink, seg Segment, payload []byte) error {
	var buf [20 + 20 + maxSegment]byte
	total := 20 + 20 + len(payload)

	ihdr, err := ipv4.NewFrame(buf[:20])
	if err != nil {
		return err
	}
	ihdr.ClearHeader()
	ihdr.SetVersionAndIHL(4, 5)
	*ihdr.SourceAddr() = c.quad.LocalAddr
	*ihdr.DestinationAddr() = c.quad.RemoteAddr
	ihdr.SetTTL(64)
	ihdr.SetProtocol(ipv4.ProtoTCP)
	ihdr.SetTotalLength(uint16(total))
	c.ipid = internal.Prand16(c.ipid)
	ihdr.SetID(c.ipid)

	tfrm, err := NewFrame(buf[20:40])
	if err != nil {
		return err
	}
	tfrm.ClearHeader()
	tfrm.SetSourcePort(c.quad.LocalPort)
	tfrm.SetDestinationPort(c.quad.RemotePort)
	tfrm.SetSegment(seg)
	tfrm.SetUrgentPtr(0)
	copy(buf[40:total], payload)

	ihdr.SetCRC(ihdr.CalculateHeaderCRC())

	var crc xsum.CRC791
	ihdr.CRCWriteTCPPseudo(&crc)
	tcpSum := crc.WritePayload(buf[20:total])
	tfrm.SetCRC(xsum.NeverZero(tcpSum))

	return sink.Send(buf[:total])
}
