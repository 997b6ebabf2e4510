// Package seqnum implements modulo-2^32 sequence number arithmetic for TCP,
// per RFC 793 §3.3. Value and Size are distinct named types so that raw
// integer comparisons never leak into code that should instead go through
// [Lt] and [Between].
package seqnum

// Value is a TCP sequence or acknowledgment number, taken modulo 2^32.
type Value uint32

// Size is a byte count: a segment length, window size, or queue capacity.
type Size uint32

// Add returns v+delta, wrapping modulo 2^32.
func (v Value) Add(delta Size) Value { return v + Value(delta) }

// Sub returns the forward distance from v to w, i.e. the Size that must be
// added to v to reach w, wrapping modulo 2^32.
func (v Value) Sub(w Value) Size { return Size(w - v) }

// Lt reports whether a precedes b on the sequence-number circle, per the
// serial number arithmetic of RFC 1982 / RFC 793 §3.3: (a-b) mod 2^32 > 2^31.
// This is the only primitive used to order sequence numbers; plain </> on
// a Value is never meaningful because the space wraps. Two values exactly
// half the circle apart (a-b == 2^31) precede each other in neither order.
func Lt(a, b Value) bool {
	return a-b > 1<<31
}

// Between reports whether x lies strictly between start and end on the
// sequence-number circle (both ends exclusive): Lt(start, x) && Lt(x, end).
func Between(start, x, end Value) bool {
	return Lt(start, x) && Lt(x, end)
}

// LtEq reports whether a precedes or equals b.
func LtEq(a, b Value) bool {
	return a == b || Lt(a, b)
}

// BetweenEq reports whether x lies between start and end inclusive of end
// (start exclusive, end inclusive) — the form used by acceptability checks
// whose right edge is closed.
func BetweenEq(start, x, end Value) bool {
	return Lt(start, x) && LtEq(x, end)
}
