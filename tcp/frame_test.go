package tcp

import (
	"math/rand"
	"testing"
)

func TestFrameSegmentRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	var buf [sizeHeaderTCP + 32]byte
	tfrm, err := NewFrame(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		want := Segment{
			SEQ:   Value(rng.Uint32()),
			ACK:   Value(rng.Uint32()),
			WND:   Size(rng.Intn(1 << 16)),
			Flags: Flags(rng.Intn(1 << 6)),
		}
		tfrm.ClearHeader()
		tfrm.SetSourcePort(uint16(rng.Intn(1 << 16)))
		tfrm.SetDestinationPort(uint16(rng.Intn(1 << 16)))
		tfrm.SetSegment(want)

		if got := tfrm.Segment(0); got != want {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
		if hl := tfrm.HeaderLength(); hl != sizeHeaderTCP {
			t.Fatalf("header length = %d, want %d (no options ever emitted)", hl, sizeHeaderTCP)
		}
		if err := tfrm.ValidateSize(); err != nil {
			t.Fatalf("ValidateSize on a well-formed header: %v", err)
		}
	}
}

func TestFrameValidateSizeRejectsBadOffset(t *testing.T) {
	var buf [sizeHeaderTCP]byte
	tfrm, err := NewFrame(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	tfrm.SetOffsetAndFlags(4, FlagACK) // below the 5-word minimum.
	if err := tfrm.ValidateSize(); err == nil {
		t.Error("expected an error for a data offset below the minimum header size")
	}
	tfrm.SetOffsetAndFlags(15, FlagACK) // offset runs past the backing buffer.
	if err := tfrm.ValidateSize(); err == nil {
		t.Error("expected an error for a data offset exceeding the frame")
	}
	if _, err := NewFrame(buf[:10]); err == nil {
		t.Error("expected an error for a buffer shorter than the fixed header")
	}
}
