package milter

import (
	"net"
	"testing"
	"time"
)

// TestConnHandler_CorruptedFramingLengthClosesWithoutReply drives a length
// prefix larger than the protocol allows through the real connHandler and
// wire.ReadPacket path and asserts the connection is closed with no reply
// byte ever written and no App hook ever invoked.
func TestConnHandler_CorruptedFramingLengthClosesWithoutReply(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	called := false
	app := NewApp("test").OnConnect(func(sess *Session, cmd *Connect) (Response, error) {
		called = true
		return RespContinue, nil
	})
	h := newConnHandler(server, app, "test", discardLogger(), time.Second, time.Second)

	done := make(chan struct{})
	go func() {
		h.serve()
		close(done)
	}()

	// length field = 0xFFFFFFFF, far beyond wire.MaxPayloadSize.
	if _, err := client.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler.serve() did not return after a corrupted length prefix")
	}

	if called {
		t.Fatalf("App hook was invoked despite a protocol violation")
	}

	_ = client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	n, err := client.Read(buf)
	if err == nil {
		t.Fatalf("expected no reply byte after a corrupted length prefix, got %d bytes", n)
	}
}
