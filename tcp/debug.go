package tcp

import (
	"context"
	"log/slog"

	"github.com/tuntcp/tuntcp/internal"
)

func (c *Connection) logenabled(lvl slog.Level) bool {
	return c.log != nil && c.log.Enabled(context.Background(), lvl)
}

func (c *Connection) debug(msg string, attrs ...slog.Attr) {
	c.logattrs(slog.LevelDebug, msg, attrs...)
}

func (c *Connection) trace(msg string, attrs ...slog.Attr) {
	c.logattrs(levelTrace, msg, attrs...)
}

func (c *Connection) logerr(msg string, attrs ...slog.Attr) {
	c.logattrs(slog.LevelError, msg, attrs...)
}

func (c *Connection) logattrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	if c.log == nil || !c.logenabled(lvl) {
		return
	}
	c.log.LogAttrs(context.Background(), lvl, msg, attrs...)
}

// levelTrace sits one notch below slog.LevelDebug, for the very high
// volume per-segment logging traceSeg emits.
const levelTrace = slog.LevelDebug - 4

func (c *Connection) traceSnd(msg string) {
	c.trace(msg,
		slog.String("state", c.state.String()),
		internal.SlogAddr4("peer", &c.quad.RemoteAddr),
		slog.Uint64("snd.nxt", uint64(c.send.nxt)),
		slog.Uint64("snd.una", uint64(c.send.una)),
		slog.Uint64("snd.wnd", uint64(c.send.wnd)),
	)
}

func (c *Connection) traceRcv(msg string) {
	c.trace(msg,
		slog.String("state", c.state.String()),
		internal.SlogAddr4("peer", &c.quad.RemoteAddr),
		slog.Uint64("rcv.nxt", uint64(c.recv.nxt)),
		slog.Uint64("rcv.wnd", uint64(c.recv.wnd)),
	)
}

func (c *Connection) traceSeg(msg string, seg Segment) {
	if !c.logenabled(levelTrace) {
		return
	}
	c.trace(msg,
		slog.Uint64("seg.seq", uint64(seg.SEQ)),
		slog.Uint64("seg.ack", uint64(seg.ACK)),
		slog.Uint64("seg.wnd", uint64(seg.WND)),
		slog.String("seg.flags", seg.Flags.String()),
		slog.Uint64("seg.data", uint64(seg.DATALEN)),
	)
}
