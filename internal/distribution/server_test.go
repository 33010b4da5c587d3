package distribution

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/zsiec/camrelay/internal/media"
	"github.com/zsiec/camrelay/internal/stats"
)

func startTCPServer(t *testing.T, r *Relay, st *stats.Stats) net.Addr {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer("127.0.0.1:0", r, st, nil)
	errc := make(chan error, 1)
	go func() { errc <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("Start: %v", err)
		}
	})

	select {
	case addr := <-srv.Ready():
		return addr
	case err := <-errc:
		t.Fatalf("Start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	return nil
}

func TestServerDeliversCachedAndLiveFrames(t *testing.T) {
	t.Parallel()

	r := NewRelay(8, nil)
	st := stats.New()
	cached := jpeg(0x01, 0x02)
	r.Publish(media.NewFrame(cached, media.SourceTCP))
	addr := startTCPServer(t, r, st)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	got := make([]byte, len(cached))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read cached frame: %v", err)
	}
	if !bytes.Equal(got, cached) {
		t.Fatalf("cached frame = %x, want %x", got, cached)
	}

	waitViewers(t, r, 1)
	live := jpeg(0x03)
	r.Publish(media.NewFrame(live, media.SourceUDP))
	got = make([]byte, len(live))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read live frame: %v", err)
	}
	if !bytes.Equal(got, live) {
		t.Fatalf("live frame = %x, want %x", got, live)
	}
	if st.ActiveConsumers() != 1 {
		t.Fatalf("ActiveConsumers = %d, want 1", st.ActiveConsumers())
	}
}

func TestServerViewerDisconnect(t *testing.T) {
	t.Parallel()

	r := NewRelay(8, nil)
	st := stats.New()
	addr := startTCPServer(t, r, st)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitViewers(t, r, 1)
	conn.Close()

	// The closed connection surfaces on a subsequent write.
	deadline := time.Now().Add(3 * time.Second)
	for r.ViewerCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ViewerCount = %d after disconnect, want 0", r.ViewerCount())
		}
		r.Publish(media.NewFrame(jpeg(0x09), media.SourceTCP))
		time.Sleep(10 * time.Millisecond)
	}
	deadline = time.Now().Add(time.Second)
	for st.ActiveConsumers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ActiveConsumers = %d, want 0", st.ActiveConsumers())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestServerRelayCloseEndsViewers(t *testing.T) {
	t.Parallel()

	r := NewRelay(8, nil)
	addr := startTCPServer(t, r, stats.New())

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitViewers(t, r, 1)

	r.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("read after relay close: got %v, want io.EOF", err)
	}
}

func TestServerListenError(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	srv := NewServer(l.Addr().String(), NewRelay(0, nil), nil, nil)
	if err := srv.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded on an address already in use")
	}
}
