package tcp

import (
	"context"
	"testing"
	"time"

	"github.com/tuntcp/tuntcp/ipv4"
	"github.com/tuntcp/tuntcp/tun"
	"github.com/tuntcp/tuntcp/xsum"
)

// buildPacket renders a raw IPv4+TCP packet the way a peer stack would,
// independent of Connection.render, so the test exercises Interface's
// parsing path rather than reusing the code under test.
func buildPacket(t *testing.T, src, dst [4]byte, srcPort, dstPort uint16, seg Segment, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, 20+20+len(payload))

	ihdr, err := ipv4.NewFrame(buf[:20])
	if err != nil {
		t.Fatalf("ipv4.NewFrame: %v", err)
	}
	ihdr.ClearHeader()
	ihdr.SetVersionAndIHL(4, 5)
	*ihdr.SourceAddr() = src
	*ihdr.DestinationAddr() = dst
	ihdr.SetTTL(64)
	ihdr.SetProtocol(ipv4.ProtoTCP)
	ihdr.SetTotalLength(uint16(len(buf)))
	ihdr.SetID(1)

	tfrm, err := NewFrame(buf[20:40])
	if err != nil {
		t.Fatalf("tcp.NewFrame: %v", err)
	}
	tfrm.ClearHeader()
	tfrm.SetSourcePort(srcPort)
	tfrm.SetDestinationPort(dstPort)
	tfrm.SetSegment(seg)
	tfrm.SetUrgentPtr(0)
	copy(buf[40:], payload)

	ihdr.SetCRC(ihdr.CalculateHeaderCRC())
	var crc xsum.CRC791
	ihdr.CRCWriteTCPPseudo(&crc)
	tcpSum := crc.WritePayload(buf[20:])
	tfrm.SetCRC(xsum.NeverZero(tcpSum))

	return buf
}

// recvWithTimeout reads one packet from dev, or fails the test if none
// arrives within timeout. The background goroutine is left to exit once
// dev is closed by the test's cleanup.
func recvWithTimeout(t *testing.T, dev *tun.Pipe, timeout time.Duration) []byte {
	t.Helper()
	type result struct {
		buf []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, 2048)
		n, err := dev.Recv(buf)
		ch <- result{buf[:n], err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("Recv: %v", r.err)
		}
		return r.buf
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a packet")
		return nil
	}
}

func TestInterfaceHandshakeAcceptAndEcho(t *testing.T) {
	serverDev, clientDev, err := tun.NewPipePair()
	if err != nil {
		t.Fatalf("NewPipePair: %v", err)
	}
	t.Cleanup(func() { serverDev.Close(); clientDev.Close() })

	serverAddr := [4]byte{10, 0, 0, 1}
	clientAddr := [4]byte{10, 0, 0, 2}
	const serverPort, clientPort = 7000, 55000

	ifc := NewInterface(serverDev, serverAddr, ConnConfig{}, nil)
	ln, err := ifc.Listen(serverPort)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ifc.Run(ctx)

	// Client SYN.
	syn := buildPacket(t, clientAddr, serverAddr, clientPort, serverPort,
		Segment{SEQ: 500, WND: 4096, Flags: FlagSYN}, nil)
	if err := clientDev.Send(syn); err != nil {
		t.Fatalf("send SYN: %v", err)
	}

	synAckPkt := recvWithTimeout(t, clientDev, 2*time.Second)
	ihdr, err := ipv4.NewFrame(synAckPkt)
	if err != nil {
		t.Fatalf("parse SYN|ACK: %v", err)
	}
	tfrm, err := NewFrame(ihdr.Payload())
	if err != nil {
		t.Fatalf("parse SYN|ACK tcp header: %v", err)
	}
	synAck := tfrm.Segment(len(tfrm.Payload()))
	if !synAck.Flags.HasAll(FlagSYN | FlagACK) {
		t.Fatalf("flags = %s, want SYN|ACK", synAck.Flags)
	}
	if synAck.ACK != 501 {
		t.Fatalf("ACK = %d, want 501", synAck.ACK)
	}

	// Client completes the handshake.
	ack := buildPacket(t, clientAddr, serverAddr, clientPort, serverPort,
		Segment{SEQ: 501, ACK: synAck.SEQ.Add(1), WND: 4096, Flags: FlagACK}, nil)
	if err := clientDev.Send(ack); err != nil {
		t.Fatalf("send ACK: %v", err)
	}

	acceptCtx, acceptCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer acceptCancel()
	stream, err := ln.Accept(acceptCtx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// Client sends data; the server echoes it back.
	dataSeg := Segment{SEQ: 501, ACK: synAck.SEQ.Add(1), WND: 4096, Flags: FlagACK, DATALEN: 5}
	data := buildPacket(t, clientAddr, serverAddr, clientPort, serverPort, dataSeg, []byte("hello"))
	if err := clientDev.Send(data); err != nil {
		t.Fatalf("send data: %v", err)
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	buf := make([]byte, 16)
	n, err := stream.Read(readCtx, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("server read %q, want %q", buf[:n], "hello")
	}

	writeCtx, writeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer writeCancel()
	if _, err := stream.Write(writeCtx, buf[:n]); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// The server ACKs the client's data before the application-level echo
	// goes out on a later tick, so skip bare ACKs until a data segment
	// arrives.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the echoed data segment")
		}
		echoPkt := recvWithTimeout(t, clientDev, 2*time.Second)
		eihdr, err := ipv4.NewFrame(echoPkt)
		if err != nil {
			t.Fatalf("parse echo: %v", err)
		}
		etfrm, err := NewFrame(eihdr.Payload())
		if err != nil {
			t.Fatalf("parse echo tcp header: %v", err)
		}
		if len(etfrm.Payload()) == 0 {
			continue
		}
		if string(etfrm.Payload()) != "hello" {
			t.Fatalf("echoed payload = %q, want %q", etfrm.Payload(), "hello")
		}
		return
	}
}
