package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GaugeSampler polls a value into a gauge until ctx is done.
type GaugeSampler struct {
	Name     string
	Gauge    prometheus.Gauge
	Interval time.Duration
	Sample   func(ctx context.Context) (float64, error)
}

// Run blocks, sampling once per Interval.
func (s GaugeSampler) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.sampleOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s GaugeSampler) sampleOnce(ctx context.Context) {
	v, err := s.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("gauge sample failed", "gauge", s.Name, "error", err)
		}
		return
	}
	s.Gauge.Set(v)
}
