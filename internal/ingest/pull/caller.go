// Package pull connects out to a camera that serves its JPEG byte stream
// as a TCP server, redialling whenever the connection drops.
package pull

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/zsiec/camrelay/internal/ingest"
	"github.com/zsiec/camrelay/internal/media"
	"github.com/zsiec/camrelay/internal/pipeline"
)

// DefaultRetry is the wait between connection attempts.
const DefaultRetry = 5 * time.Second

// dialTimeout bounds a single connection attempt.
const dialTimeout = 10 * time.Second

// Caller pulls frames from one remote camera.
type Caller struct {
	log       *slog.Logger
	addr      string
	retry     time.Duration
	registry  *ingest.Registry
	pub       *pipeline.Publisher
	maxBuffer int

	attempts  atomic.Int64
	connected atomic.Bool
}

// NewCaller creates a Caller for the camera at addr. A non-positive retry
// selects DefaultRetry. If log is nil, slog.Default() is used.
func NewCaller(addr string, retry time.Duration, registry *ingest.Registry, pub *pipeline.Publisher, maxBuffer int, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	if retry <= 0 {
		retry = DefaultRetry
	}
	return &Caller{
		log:       log.With("component", "pull", "address", addr),
		addr:      addr,
		retry:     retry,
		registry:  registry,
		pub:       pub,
		maxBuffer: maxBuffer,
	}
}

// Attempts returns the number of dial attempts made so far.
func (c *Caller) Attempts() int64 {
	return c.attempts.Load()
}

// Connected reports whether a camera connection is currently open.
func (c *Caller) Connected() bool {
	return c.connected.Load()
}

// Run dials the camera and extracts frames until ctx is cancelled. Dial
// failures and dropped connections are logged and retried; Run itself
// only returns when ctx is done.
func (c *Caller) Run(ctx context.Context) error {
	for {
		if err := c.pullOnce(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("pull failed", "error", err, "retry_in", c.retry)
		}

		t := time.NewTimer(c.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (c *Caller) pullOnce(ctx context.Context) error {
	c.attempts.Add(1)

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	c.connected.Store(true)
	defer c.connected.Store(false)
	c.log.Info("connected")

	err = c.registry.Serve(ctx, ingest.Stream{
		Key:        c.addr,
		Protocol:   media.SourcePull,
		RemoteAddr: conn.RemoteAddr().String(),
		Input:      conn,
	}, c.pub, c.maxBuffer, c.log)
	if err != nil {
		return err
	}
	if ctx.Err() == nil {
		c.log.Info("camera closed the connection")
	}
	return nil
}
