package catalog

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Refresher struct {
	sync     *SyncService
	cache    *Cache
	interval time.Duration
}

func NewRefresher(sync *SyncService, cache *Cache, interval time.Duration) *Refresher {
	return &Refresher{sync: sync, cache: cache, interval: interval}
}

func (r *Refresher) Run(ctx context.Context) error {
	if r.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				zap.L().Warn("catalog refresh failed", zap.Error(err))
			}
		}
	}
}

func (r *Refresher) RunOnce(ctx context.Context) error {
	if _, err := r.sync.Sync(ctx); err != nil {
		return err
	}
	_, err := r.cache.Reload(ctx)
	return err
}
