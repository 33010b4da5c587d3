// Command cam-sim impersonates a camera for exercising camrelay. It pushes
// JPEG frames over TCP, UDP fragments or SRT, or serves them as a TCP
// server for pull mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/camrelay/internal/fragment"
)

func main() {
	modeFlag := flag.String("mode", "tcp", "Transport: tcp, udp, srt or serve (TCP server for pull mode)")
	addrFlag := flag.String("addr", "127.0.0.1:4444", "Relay address, or listen address with -mode serve")
	fpsFlag := flag.Float64("fps", 10, "Frames per second")
	countFlag := flag.Int("count", 0, "Frames to send (0 = until interrupted)")
	widthFlag := flag.Int("width", 320, "Generated frame width")
	heightFlag := flag.Int("height", 240, "Generated frame height")
	qualityFlag := flag.Int("quality", 75, "Generated JPEG quality")
	streamIDFlag := flag.String("streamid", "live/cam", "SRT stream ID")
	chunkFlag := flag.Int("chunk", 0, "Split TCP writes into chunks of this many bytes (0 = whole frame)")
	flag.Parse()

	src, err := newFrameSource(flag.Args(), *widthFlag, *heightFlag, *qualityFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interval := time.Duration(float64(time.Second) / *fpsFlag)
	s := &sender{src: src, interval: interval, count: *countFlag}

	switch strings.ToLower(*modeFlag) {
	case "tcp":
		err = s.pushTCP(ctx, *addrFlag, *chunkFlag)
	case "udp":
		err = s.pushUDP(ctx, *addrFlag)
	case "srt":
		err = s.pushSRT(ctx, *addrFlag, *streamIDFlag)
	case "serve":
		err = s.serve(ctx, *addrFlag)
	default:
		err = fmt.Errorf("unknown mode %q", *modeFlag)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Printf("sent %d frames\n", s.sent)
}

type sender struct {
	src      *frameSource
	interval time.Duration
	count    int
	sent     int
}

// loop calls send once per frame interval until count frames are sent or
// ctx is done.
func (s *sender) loop(ctx context.Context, send func(n int, frame []byte) error) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for n := 0; s.count == 0 || n < s.count; n++ {
		frame, err := s.src.frame(n)
		if err != nil {
			return err
		}
		if err := send(n, frame); err != nil {
			return err
		}
		s.sent++
		if s.sent%100 == 0 {
			fmt.Printf("sent %d frames (%d bytes last)\n", s.sent, len(frame))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (s *sender) pushTCP(ctx context.Context, addr string, chunk int) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("TCP connect failed: %w", err)
	}
	defer conn.Close()
	fmt.Printf("connected to %s\n", addr)

	return s.loop(ctx, func(_ int, frame []byte) error {
		return writeChunked(conn, frame, chunk)
	})
}

// writeChunked writes frame in pieces of at most chunk bytes, so frames
// straddle reads on the relay side.
func writeChunked(w io.Writer, frame []byte, chunk int) error {
	if chunk <= 0 {
		chunk = len(frame)
	}
	for len(frame) > 0 {
		n := min(chunk, len(frame))
		if _, err := w.Write(frame[:n]); err != nil {
			return err
		}
		frame = frame[n:]
	}
	return nil
}

func (s *sender) pushUDP(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("UDP dial failed: %w", err)
	}
	defer conn.Close()

	return s.loop(ctx, func(n int, frame []byte) error {
		pkts, err := fragment.Split(uint32(n+1), frame, fragment.MaxPayloadSize)
		if err != nil {
			return err
		}
		for _, p := range pkts {
			if _, err := conn.Write(p); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sender) pushSRT(ctx context.Context, addr, streamID string) error {
	cfg := srt.DefaultConfig()
	cfg.StreamID = streamID

	conn, err := srt.Dial(addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT connect failed: %w", err)
	}
	defer conn.Close()
	fmt.Printf("connected to %s as %s\n", addr, streamID)

	return s.loop(ctx, func(_ int, frame []byte) error {
		// Live mode carries one payload-sized message per write.
		return writeChunked(conn, frame, 1316)
	})
}

// serve acts as a camera TCP server: every accepted client receives the
// frame stream until it disconnects.
func (s *sender) serve(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	stopClose := context.AfterFunc(ctx, func() { l.Close() })
	defer stopClose()
	fmt.Printf("serving frames on %s\n", l.Addr())

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fmt.Printf("client %s connected\n", conn.RemoteAddr())
		err = s.loop(ctx, func(_ int, frame []byte) error {
			_, err := conn.Write(frame)
			return err
		})
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Printf("client disconnected: %v\n", err)
	}
}
