// Package testutil holds the loopback servers, SOCKS test proxy and runtime
// directory helpers shared by package tests.
package testutil

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
)

// StartSingleAcceptServer accepts one loopback TCP connection and hands it
// to handler. The connection is closed when handler returns or ctx ends. The
// returned func closes the listener and waits for handler; it also runs at
// test cleanup.
func StartSingleAcceptServer(t *testing.T, ctx context.Context, handler func(net.Conn)) (net.Listener, func()) {
	t.Helper()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
		defer c.Close()
		handler(c)
	}()

	var once sync.Once
	wait := func() {
		once.Do(func() {
			_ = ln.Close()
			<-done
		})
	}
	t.Cleanup(wait)
	return ln, wait
}

// StartEchoTCPServer echoes one connection back to its sender until the
// sender closes it.
func StartEchoTCPServer(t *testing.T, ctx context.Context) net.Listener {
	t.Helper()
	ln, _ := StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		_, _ = io.Copy(c, c)
	})
	return ln
}

// AssertEcho writes msg to w and fails the test unless r yields the same
// bytes back.
func AssertEcho(t *testing.T, w io.Writer, r io.Reader, msg []byte) {
	t.Helper()

	if n, err := w.Write(msg); err != nil || n != len(msg) {
		t.Fatalf("write %d of %d bytes: %v", n, len(msg), err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("expected %q got %q", msg, got)
	}
}
