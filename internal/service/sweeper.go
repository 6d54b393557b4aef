package service

import (
	"context"
	"time"
)

// RunExpirySweeper expires abandoned locks every interval until ctx is
// done.  Confirm expires stale locks on its own; the sweeper only shortens
// the time seats look taken when nobody comes back for them.
func (s *TicketService) RunExpirySweeper(ctx context.Context, interval time.Duration, batch int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("expiry sweeper started", "interval", interval, "batch", batch)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.SweepExpired(ctx, batch)
			if err != nil && ctx.Err() == nil {
				s.log.Error("expiry sweep failed", "expired", n, "error", err)
				continue
			}
			if n > 0 {
				s.log.Info("expired abandoned locks", "count", n)
			}
		}
	}
}
