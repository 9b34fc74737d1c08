package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// tcpPair returns two connected loopback TCP endpoints.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	a, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	b, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

type pumpResult struct {
	stats Stats
	err   error
}

func startPump(ctx context.Context, local, remote io.ReadWriteCloser, opts Options) <-chan pumpResult {
	ch := make(chan pumpResult, 1)
	go func() {
		s, err := Pump(ctx, local, remote, opts)
		ch <- pumpResult{s, err}
	}()
	return ch
}

func TestPump_HalfCloseDrainsResponse(t *testing.T) {
	client, localSide := tcpPair(t)
	remoteSide, server := tcpPair(t)
	done := startPump(context.Background(), localSide, remoteSide, Options{})

	// Server reads the full request, then answers and closes.
	serverDone := make(chan []byte, 1)
	go func() {
		req, _ := io.ReadAll(server)
		_, _ = server.Write([]byte("response:" + string(req)))
		_ = server.Close()
		serverDone <- req
	}()

	if _, err := client.Write([]byte("request")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = client.(*net.TCPConn).CloseWrite()

	resp, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(resp) != "response:request" {
		t.Errorf("response = %q", resp)
	}
	if got := <-serverDone; string(got) != "request" {
		t.Errorf("server saw %q", got)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Errorf("Pump err = %v", r.err)
		}
		if r.stats.Upstream != 7 || r.stats.Downstream != int64(len("response:request")) {
			t.Errorf("stats = %+v", r.stats)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Pump did not finish after both directions closed")
	}
}

func TestPump_LargeTransferIntegrity(t *testing.T) {
	client, localSide := tcpPair(t)
	remoteSide, server := tcpPair(t)
	done := startPump(context.Background(), localSide, remoteSide, Options{BufferSize: MinBufferSize})

	payload := make([]byte, 1<<20)
	_, _ = rand.Read(payload)

	received := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(server)
		received <- b
		_ = server.Close()
	}()
	go func() {
		_, _ = client.Write(payload)
		_ = client.(*net.TCPConn).CloseWrite()
	}()

	select {
	case got := <-received:
		if !bytes.Equal(got, payload) {
			t.Fatalf("payload corrupted: got %d bytes", len(got))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("transfer timed out")
	}
	r := <-done
	if r.stats.Upstream != int64(len(payload)) {
		t.Errorf("Upstream = %d, want %d", r.stats.Upstream, len(payload))
	}
}

// exchange writes out in chunks and then half-closes, while reading
// everything the peer sends until EOF.
func exchange(c net.Conn, out []byte, chunk int) <-chan []byte {
	got := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(c)
		got <- b
	}()
	go func() {
		for off := 0; off < len(out); off += chunk {
			end := min(off+chunk, len(out))
			if _, err := c.Write(out[off:end]); err != nil {
				return
			}
		}
		_ = c.(*net.TCPConn).CloseWrite()
	}()
	return got
}

func TestPump_BidirectionalLargeTransfer(t *testing.T) {
	client, localSide := tcpPair(t)
	remoteSide, server := tcpPair(t)
	done := startPump(context.Background(), localSide, remoteSide, Options{})

	up := make([]byte, 1<<20+123)
	down := make([]byte, 3<<18+77)
	_, _ = rand.Read(up)
	_, _ = rand.Read(down)

	// Odd chunk sizes keep both directions interleaved across buffer
	// boundaries.
	atServer := exchange(server, down, 7919)
	atClient := exchange(client, up, 5003)

	for name, tc := range map[string]struct {
		ch   <-chan []byte
		want []byte
	}{
		"server": {atServer, up},
		"client": {atClient, down},
	} {
		select {
		case got := <-tc.ch:
			if !bytes.Equal(got, tc.want) {
				t.Errorf("%s received %d bytes, want %d intact", name, len(got), len(tc.want))
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("%s: transfer timed out", name)
		}
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Errorf("Pump err = %v", r.err)
		}
		if r.stats.Upstream != int64(len(up)) || r.stats.Downstream != int64(len(down)) {
			t.Errorf("stats = %+v", r.stats)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Pump did not finish")
	}
}

func TestPump_ContextCancelClosesBoth(t *testing.T) {
	client, localSide := tcpPair(t)
	remoteSide, server := tcpPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := startPump(ctx, localSide, remoteSide, Options{})

	cancel()
	select {
	case r := <-done:
		if !errors.Is(r.err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Pump ignored cancellation")
	}

	// Both far ends observe EOF.
	for name, c := range map[string]net.Conn{"client": client, "server": server} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := c.Read(make([]byte, 1)); err == nil {
			t.Errorf("%s: expected EOF after teardown", name)
		}
	}
}

func TestPump_IdleTimeout(t *testing.T) {
	_, localSide := tcpPair(t)
	remoteSide, _ := tcpPair(t)
	done := startPump(context.Background(), localSide, remoteSide, Options{IdleTimeout: 80 * time.Millisecond})

	select {
	case r := <-done:
		if !errors.Is(r.err, ErrIdle) {
			t.Errorf("err = %v, want ErrIdle", r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("idle session was not closed")
	}
}

func TestPump_PipeEndpoints(t *testing.T) {
	client, localSide := net.Pipe()
	remoteSide, server := net.Pipe()
	done := startPump(context.Background(), localSide, remoteSide, Options{})

	go func() { _, _ = client.Write([]byte("abc")) }()
	buf := make([]byte, 3)
	if _, err := io.ReadFull(server, buf); err != nil || string(buf) != "abc" {
		t.Fatalf("server read %q, %v", buf, err)
	}
	go func() { _, _ = server.Write([]byte("xyz")) }()
	if _, err := io.ReadFull(client, buf); err != nil || string(buf) != "xyz" {
		t.Fatalf("client read %q, %v", buf, err)
	}

	// Pipes have no write half, so closing one end finishes both directions.
	_ = client.Close()
	_ = server.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Pump did not return")
	}
}

func TestOptions_BufferSizeClamped(t *testing.T) {
	cases := map[int]int{
		0:       DefaultBufferSize,
		1:       MinBufferSize,
		1 << 30: MaxBufferSize,
		8 << 10: 8 << 10,
	}
	for in, want := range cases {
		if got := (Options{BufferSize: in}).bufferSize(); got != want {
			t.Errorf("bufferSize(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestTracker_CloseAllAndWait(t *testing.T) {
	tr := NewTracker(Options{})
	for range 3 {
		_, a := tcpPair(t)
		b, _ := tcpPair(t)
		if _, ok := tr.Start(context.Background(), a, b); !ok {
			t.Fatal("Start refused on open tracker")
		}
	}
	if tr.Len() != 3 {
		t.Fatalf("Len = %d, want 3", tr.Len())
	}

	tr.CloseAll()
	waited := make(chan struct{})
	go func() { tr.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait blocked after CloseAll")
	}
	if tr.Len() != 0 {
		t.Errorf("Len after CloseAll = %d", tr.Len())
	}

	_, a := tcpPair(t)
	b, _ := tcpPair(t)
	if _, ok := tr.Start(context.Background(), a, b); ok {
		t.Error("Start should be refused after CloseAll")
	}
}

func TestTracker_SessionEndsOnPeerClose(t *testing.T) {
	tr := NewTracker(Options{})
	client, a := tcpPair(t)
	b, server := tcpPair(t)
	tr.Start(context.Background(), a, b)

	_ = client.Close()
	_ = server.Close()

	deadline := time.Now().Add(5 * time.Second)
	for tr.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not removed after both peers closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
