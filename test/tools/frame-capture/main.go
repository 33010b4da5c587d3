// Command frame-capture connects to camrelay as a viewer and saves the
// frames it receives as numbered JPEG files.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"

	"github.com/zsiec/camrelay/internal/certs"
	"github.com/zsiec/camrelay/internal/distribution"
	"github.com/zsiec/camrelay/internal/framing"
)

func main() {
	modeFlag := flag.String("mode", "tcp", "Viewer transport: tcp, ws or quic")
	addrFlag := flag.String("addr", "127.0.0.1:8080", "Relay viewer address (ws: full ws:// URL)")
	outFlag := flag.String("out", "frames", "Output directory")
	countFlag := flag.Int("count", 10, "Frames to capture (0 = until interrupted)")
	fpFlag := flag.String("fingerprint", "", "Base64 SHA-256 certificate fingerprint (quic)")
	flag.Parse()

	if err := os.MkdirAll(*outFlag, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create output directory: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &capture{dir: *outFlag, count: *countFlag}
	var err error
	switch *modeFlag {
	case "tcp":
		err = c.fromTCP(ctx, *addrFlag)
	case "ws":
		err = c.fromWebSocket(ctx, *addrFlag)
	case "quic":
		err = c.fromQUIC(ctx, *addrFlag, *fpFlag)
	default:
		err = fmt.Errorf("unknown mode %q", *modeFlag)
	}
	fmt.Printf("saved %d frames to %s\n", c.saved, c.dir)
	if err != nil && !errors.Is(err, errDone) && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// errDone signals that the requested number of frames was captured.
var errDone = errors.New("capture complete")

type capture struct {
	dir   string
	count int
	saved int
}

// save writes one frame and returns errDone once count frames are saved.
func (c *capture) save(frame []byte) error {
	name := filepath.Join(c.dir, fmt.Sprintf("frame_%06d_%s.jpg", c.saved, time.Now().Format("20060102_150405.000")))
	if err := os.WriteFile(name, frame, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	c.saved++
	if c.count > 0 && c.saved >= c.count {
		return errDone
	}
	return nil
}

// readStream extracts frames from a raw byte stream.
func (c *capture) readStream(r io.Reader) error {
	ex := framing.NewExtractor(0)
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		for _, frame := range ex.Write(buf[:n]) {
			if err := c.save(frame); err != nil {
				return err
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (c *capture) fromTCP(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("TCP connect failed: %w", err)
	}
	defer conn.Close()
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	err = c.readStream(conn)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *capture) fromWebSocket(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("websocket connect failed: %w", err)
	}
	defer conn.Close()
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		if err := c.save(msg); err != nil {
			return err
		}
	}
}

func (c *capture) fromQUIC(ctx context.Context, addr, fingerprint string) error {
	fp, err := parseFingerprint(fingerprint)
	if err != nil {
		return err
	}
	conn, err := quic.DialAddr(ctx, addr, certs.ClientTLSConfig(fp), nil)
	if err != nil {
		return fmt.Errorf("QUIC connect failed: %w", err)
	}
	defer conn.CloseWithError(0, "")

	for {
		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			return err
		}
		_, frame, err := distribution.ReadQUICFrame(stream)
		if err != nil {
			return err
		}
		if err := c.save(frame); err != nil {
			return err
		}
	}
}

func parseFingerprint(s string) ([32]byte, error) {
	var fp [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("invalid fingerprint: %w", err)
	}
	if len(raw) != sha256.Size {
		return fp, fmt.Errorf("invalid fingerprint: %d bytes, want %d", len(raw), sha256.Size)
	}
	copy(fp[:], raw)
	return fp, nil
}
