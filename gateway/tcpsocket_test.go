package gateway

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"gateflow/models"
)

// The gateway may flush its first event in the same packet as the handshake
// greeting. The transport must read both through one buffered reader or the
// event is lost.
func TestTCPHandshakeKeepsBufferedEvents(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		// API prefix, then the length-prefixed client version.
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		version := make([]byte, binary.BigEndian.Uint32(buf))
		if _, err := io.ReadFull(conn, version); err != nil {
			return
		}

		frame, err := encodeFrame(Request{Op: Opcode(srvCurrentTime), Fields: []string{"1", "42"}})
		if err != nil {
			return
		}
		greeting := append([]byte("153\x0020260828 10:00:00\x00"), frame...)
		if _, err := conn.Write(greeting); err != nil {
			return
		}

		// Absorb StartAPI and anything after it until the client hangs up.
		io.Copy(io.Discard, conn)
	}()

	cfg := testConfig()
	cfg.Gateway.Port = ln.Addr().(*net.TCPAddr).Port

	tr := NewTCPTransport(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()

	select {
	case msg := <-tr.Events():
		if msg.Kind != models.KindCurrentTime {
			t.Fatalf("first event kind = %v, want current_time", msg.Kind)
		}
		if ts, ok := msg.Payload.(time.Time); !ok || ts.Unix() != 42 {
			t.Errorf("current time payload = %v, want unix 42", msg.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event sent alongside the handshake greeting never arrived")
	}
}
