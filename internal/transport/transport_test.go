package transport

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestSplitServerURI(t *testing.T) {
	tests := []struct {
		uri      string
		wantAddr string
		wantTLS  bool
	}{
		{"tcp://localhost:1883", "localhost:1883", false},
		{"ssl://localhost:8883", "localhost:8883", true},
		{"localhost:1883", "localhost:1883", false},
	}
	for _, tt := range tests {
		addr, useTLS := SplitServerURI(tt.uri)
		if addr != tt.wantAddr || useTLS != tt.wantTLS {
			t.Errorf("SplitServerURI(%q) = (%q, %v), want (%q, %v)", tt.uri, addr, useTLS, tt.wantAddr, tt.wantTLS)
		}
	}
}

func TestNetTransportDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	tr := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn, err := tr.Dial(ctx, ln.Addr().String(), false, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	conn.Close()
}

func TestDialAsyncDeliversResult(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	tr := New()
	results := DialAsync(tr, context.Background(), ln.Addr().String(), false, nil)

	select {
	case res := <-results:
		if res.Err != nil {
			t.Fatalf("DialAsync result error: %v", res.Err)
		}
		res.Conn.Close()
	case <-time.After(time.Second):
		t.Fatal("DialAsync did not deliver a result in time")
	}
}
