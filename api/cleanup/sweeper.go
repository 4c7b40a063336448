// Package cleanup removes expired task records so the table does not grow
// without bound. Stored outputs age out on their own through the bucket
// lifecycle policy.
package cleanup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"geoProcessor/api/repository"
)

type Sweeper struct {
	repo     repository.Repository
	logger   *zap.Logger
	interval time.Duration
}

func NewSweeper(repo repository.Repository, logger *zap.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{repo: repo, logger: logger, interval: interval}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Cleanup sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Sweeper) Sweep(ctx context.Context) {
	deleted, err := s.repo.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("Expired task sweep failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		s.logger.Info("Expired tasks removed", zap.Int64("count", deleted))
	}
}
