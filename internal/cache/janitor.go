package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/digkill/TGImageBot/internal/metrics"
)

type Pruner interface {
	Prune(ctx context.Context, policy EvictionPolicy) (int, error)
}

// RunJanitor prunes on every tick until ctx is done.
func RunJanitor(ctx context.Context, pruner Pruner, policy EvictionPolicy, interval time.Duration, log zerolog.Logger, rec *metrics.Recorder) {
	if _, ok := policy.(NoEviction); ok || policy == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := pruner.Prune(ctx, policy)
			rec.AddEvictions(removed)
			if err != nil {
				log.Error().Err(err).Int("removed", removed).Msg("cache prune failed")
				continue
			}
			if removed > 0 {
				log.Info().Int("removed", removed).Msg("cache pruned")
			}
		}
	}
}
