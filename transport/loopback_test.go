package transport

import (
	"context"
	"testing"
)

func TestLoopbackWriteRequiresPeer(t *testing.T) {
	lb := NewLoopback()
	err := lb.Write(context.Background(), 7, 0x100, 0x200, 4)
	if err == nil {
		t.Fatal("Write to an unconnected cluster must fail")
	}
}

func TestLoopbackPutWritePeekRoundTrip(t *testing.T) {
	lb := NewLoopback()
	if err := lb.RegisterPeer(7); err != nil {
		t.Fatalf("RegisterPeer: %v", err)
	}
	lb.Put(0x100, []byte("abcd"))

	ctx := context.Background()
	if err := lb.Write(ctx, 7, 0x100, 0x200, 4); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := lb.Peek(0x200, 4)
	if string(got) != "abcd" {
		t.Errorf("Peek after Write = %q, want %q", got, "abcd")
	}
}

func TestLoopbackReadPadsShortSource(t *testing.T) {
	lb := NewLoopback()
	if err := lb.RegisterPeer(9); err != nil {
		t.Fatalf("RegisterPeer: %v", err)
	}
	lb.Put(0x10, []byte("ab"))
	if err := lb.Read(context.Background(), 9, 0x10, 0x20, 4); err != nil {
		t.Fatalf("Read: %v", err)
	}
	got := lb.Peek(0x20, 4)
	if len(got) != 4 || got[0] != 'a' || got[1] != 'b' || got[2] != 0 || got[3] != 0 {
		t.Errorf("Peek after Read = %v, want zero-padded ab\\x00\\x00", got)
	}
}

func TestLoopbackUnregisterThenWriteFails(t *testing.T) {
	lb := NewLoopback()
	if err := lb.RegisterPeer(5); err != nil {
		t.Fatalf("RegisterPeer: %v", err)
	}
	if err := lb.UnregisterPeer(5); err != nil {
		t.Fatalf("UnregisterPeer: %v", err)
	}
	if err := lb.Write(context.Background(), 5, 0x1, 0x2, 1); err == nil {
		t.Fatal("Write after UnregisterPeer must fail")
	}
}
