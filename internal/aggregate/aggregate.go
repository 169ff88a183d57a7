// Package aggregate periodically averages the freshest readings and
// enqueues the result as a DATA push for every client.
package aggregate

import (
	"context"
	"log/slog"
	"time"

	"github.com/peppasd/fog-hw/internal/protocol"
	"github.com/peppasd/fog-hw/internal/store"
)

type Service struct {
	Repo     *store.Repo
	Window   int           // how many recent readings feed the average
	Interval time.Duration // how often a new aggregate is enqueued
}

func New(repo *store.Repo, window int, interval time.Duration) *Service {
	if window <= 0 {
		window = 5
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Service{Repo: repo, Window: window, Interval: interval}
}

// Run blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PublishAverage(ctx, time.Now()); err != nil {
				slog.Error("aggregate enqueue failed", "error", err)
			}
		}
	}
}

// PublishAverage computes the mean of the last Window readings and
// enqueues it. Returns false with no error when there is nothing to
// average yet.
func (s *Service) PublishAverage(ctx context.Context, now time.Time) (bool, error) {
	readings, err := s.Repo.RecentReadings(ctx, s.Window)
	if err != nil {
		return false, err
	}
	if len(readings) == 0 {
		slog.Debug("no readings to aggregate")
		return false, nil
	}

	var sum float64
	for _, r := range readings {
		sum += r.Value
	}
	avg := sum / float64(len(readings))

	payload := protocol.FormatData(now.Unix(), avg)
	if _, err := s.Repo.Enqueue(ctx, payload, now); err != nil {
		return false, err
	}
	slog.Debug("aggregate enqueued", "avg", avg, "window", len(readings))
	return true, nil
}
