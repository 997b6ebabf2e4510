package xsum

import "testing"

func TestChecksumRFC1071Example(t *testing.T) {
	// The worked example from RFC 1071 §3: bytes 0x00 0x01 0xf2 0x03 0xf4
	// 0xf5 0xf6 0xf7, expected checksum 0x220d.
	buf := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	var c CRC791
	c.Write(buf)
	if got := c.Sum16(); got != 0x220d {
		t.Errorf("Sum16() = %#04x, want 0x220d", got)
	}
}

func TestWritePayloadOddLength(t *testing.T) {
	var whole CRC791
	whole.Write([]byte{0x01, 0x02, 0x03, 0x00})
	want := whole.Sum16()

	var c CRC791
	got := c.WritePayload([]byte{0x01, 0x02, 0x03})
	if got != want {
		t.Errorf("odd-length payload checksum = %#04x, want %#04x (zero-padded)", got, want)
	}
}

func TestWritePayloadDoesNotMutate(t *testing.T) {
	var c CRC791
	c.AddUint16(1234)
	before := c.Sum16()
	c.WritePayload([]byte{0xde, 0xad})
	after := c.Sum16()
	if before != after {
		t.Error("WritePayload must not mutate its receiver")
	}
}

func TestNeverZero(t *testing.T) {
	if got := NeverZero(0); got != 0xffff {
		t.Errorf("NeverZero(0) = %#04x, want 0xffff", got)
	}
	if got := NeverZero(0x1234); got != 0x1234 {
		t.Errorf("NeverZero(0x1234) = %#04x, want unchanged", got)
	}
}

func TestReset(t *testing.T) {
	var c CRC791
	c.AddUint32(0xdeadbeef)
	c.Reset()
	if c.Sum16() != 0xffff {
		t.Errorf("Sum16() after Reset = %#04x, want 0xffff (sum of zero)", c.Sum16())
	}
}
