package stats

import (
	"context"
	"log/slog"
	"time"
)

// DefaultReportInterval is how often the Reporter logs a summary.
const DefaultReportInterval = 30 * time.Second

// Reporter periodically logs a Snapshot of Stats.
type Reporter struct {
	log      *slog.Logger
	stats    *Stats
	interval time.Duration
}

// NewReporter creates a Reporter for s. A non-positive interval selects
// DefaultReportInterval. If log is nil, slog.Default() is used.
func NewReporter(s *Stats, interval time.Duration, log *slog.Logger) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	return &Reporter{
		log:      log.With("component", "stats"),
		stats:    s,
		interval: interval,
	}
}

// Run logs a summary every interval until ctx is cancelled. Nothing is
// logged before the first frame arrives.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *Reporter) report() {
	snap := r.stats.Snapshot()
	if snap.TotalFrames == 0 {
		return
	}
	r.log.Info("statistics",
		"uptime_min", float64(snap.UptimeMs)/60000,
		"frames", snap.TotalFrames,
		"mb", float64(snap.TotalBytes)/(1024*1024),
		"avg_fps", snap.AvgFPS,
		"avg_frame_kb", snap.AvgFrameBytes/1024,
		"consumers", snap.ActiveConsumers,
	)
}
