package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/camrelay/internal/certs"
	"github.com/zsiec/camrelay/internal/config"
	"github.com/zsiec/camrelay/internal/distribution"
	"github.com/zsiec/camrelay/internal/fragment"
	"github.com/zsiec/camrelay/internal/ingest"
	"github.com/zsiec/camrelay/internal/ingest/pull"
	srtingest "github.com/zsiec/camrelay/internal/ingest/srt"
	"github.com/zsiec/camrelay/internal/ingest/tcp"
	"github.com/zsiec/camrelay/internal/ingest/udp"
	"github.com/zsiec/camrelay/internal/pipeline"
	"github.com/zsiec/camrelay/internal/stats"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.DebugEnabled() {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("relay error", "error", err)
		os.Exit(1)
	}
	slog.Info("relay stopped")
}

// run starts every enabled loop and blocks until ctx is cancelled or one
// of them fails.
func run(ctx context.Context, cfg config.Config) error {
	st := stats.New()
	relay := distribution.NewRelay(cfg.QueueSize, nil)
	registry := ingest.NewRegistry()
	pub := pipeline.NewPublisher(relay, st)

	slog.Info("camrelay starting",
		"version", version,
		"producer", cfg.SenderAddr(),
		"udp", cfg.UDPAddr(),
		"viewer", cfg.ClientAddr(),
		"api", cfg.APIAddr,
		"srt", cfg.SRTAddr,
		"quic", cfg.QUICAddr,
		"pull", cfg.PullAddr,
	)

	g, ctx := errgroup.WithContext(ctx)

	tcpSrv := tcp.NewServer(cfg.SenderAddr(), registry, pub, cfg.MaxBuffer, nil)
	g.Go(func() error {
		return tcpSrv.Start(ctx)
	})

	if addr := cfg.UDPAddr(); addr != "" {
		udpSrv := udp.NewServer(addr, registry, pub, fragment.Config{
			Timeout:    cfg.UDPTimeout,
			MaxPending: cfg.UDPMaxPending,
		}, nil)
		g.Go(func() error {
			return udpSrv.Start(ctx)
		})
	}

	if cfg.SRTAddr != "" {
		srtSrv := srtingest.NewServer(cfg.SRTAddr, cfg.SRTStreamKey, registry, pub, cfg.MaxBuffer, nil)
		g.Go(func() error {
			return srtSrv.Start(ctx)
		})
	}

	if cfg.PullAddr != "" {
		caller := pull.NewCaller(cfg.PullAddr, cfg.PullRetry, registry, pub, cfg.MaxBuffer, nil)
		g.Go(func() error {
			return caller.Run(ctx)
		})
	}

	viewerSrv := distribution.NewServer(cfg.ClientAddr(), relay, st, nil)
	g.Go(func() error {
		return viewerSrv.Start(ctx)
	})

	if cfg.APIAddr != "" {
		api, err := distribution.NewAPI(distribution.APIConfig{
			Addr:    cfg.APIAddr,
			Relay:   relay,
			Stats:   st,
			Gauge:   st,
			Sources: registry.Sources,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return api.Start(ctx)
		})
	}

	if cfg.QUICAddr != "" {
		cert, err := certs.Generate(14 * 24 * time.Hour)
		if err != nil {
			return err
		}
		slog.Info("certificate generated",
			"fingerprint", cert.FingerprintBase64(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
		quicSrv := distribution.NewQUICServer(cfg.QUICAddr, cert, relay, st, nil)
		g.Go(func() error {
			return quicSrv.Start(ctx)
		})
	}

	reporter := stats.NewReporter(st, cfg.StatsInterval, nil)
	g.Go(func() error {
		return reporter.Run(ctx)
	})

	err := g.Wait()
	relay.Close()
	return err
}
