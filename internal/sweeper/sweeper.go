// Package sweeper periodically deletes expired files.
package sweeper

import (
	"context"
	"time"

	"github.com/maneesh/dropshare/internal/logger"
	"go.uber.org/zap"
)

// Expirer deletes up to limit files that expired before now.
type Expirer interface {
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// Sweeper runs an Expirer on a fixed interval.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	batch    int
	now      func() time.Time
}

// New creates a Sweeper. Non-positive values fall back to 10 minutes and
// batches of 100.
func New(expirer Expirer, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		expirer:  expirer,
		interval: interval,
		batch:    batch,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps once immediately, then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	logger.Info("expiry sweeper started", zap.Duration("interval", s.interval), zap.Int("batch", s.batch))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.SweepOnce(ctx)

		select {
		case <-ctx.Done():
			logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce deletes expired files in batches until a batch comes back short
// or fails, and returns the number deleted.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n, err := s.expirer.DeleteExpired(ctx, s.now(), s.batch)
		total += n
		if err != nil {
			logger.Error("expiry sweep failed", zap.Int("deleted", total), zap.Error(err))
			break
		}
		if n < s.batch {
			break
		}
	}

	if total > 0 {
		logger.Info("expired files deleted", zap.Int("count", total))
	}
	return total
}
