package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/camwall/camstream/internal/camera"
	"github.com/camwall/camstream/internal/metrics"
	"github.com/camwall/camstream/internal/types"
)

// statusInterval is how often stream state gauges are refreshed.
const statusInterval = 5 * time.Second

// StreamSupervisor is the part of the stream supervisor this service drives.
type StreamSupervisor interface {
	Reconcile(ctx context.Context) []camera.Camera
	Shutdown(ctx context.Context) error
	Statuses() []types.StreamStatus
}

// StreamService starts all active streams when it is served and stops them
// when its context is canceled.
type StreamService struct {
	sup          StreamSupervisor
	stopTimeout  time.Duration
	statusPeriod time.Duration
}

// NewStreamService wraps sup. stopTimeout bounds the wait for processes to exit.
func NewStreamService(sup StreamSupervisor, stopTimeout time.Duration) *StreamService {
	return &StreamService{sup: sup, stopTimeout: stopTimeout, statusPeriod: statusInterval}
}

// Serve implements suture.Service.
func (s *StreamService) Serve(ctx context.Context) error {
	cams := s.sup.Reconcile(ctx)
	slog.Info("streams started", "count", len(cams))

	ticker := time.NewTicker(s.statusPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.UpdateStreams(s.sup.Statuses())
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
			defer cancel()
			if err := s.sup.Shutdown(shutdownCtx); err != nil {
				slog.Warn("streams did not stop in time", "error", err)
			}
			return ctx.Err()
		}
	}
}

// String implements fmt.Stringer for suture's logs.
func (s *StreamService) String() string {
	return "stream-supervisor"
}
