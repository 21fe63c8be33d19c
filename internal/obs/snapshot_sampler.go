// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/jdforge/queuecore/internal/config"
	"github.com/jdforge/queuecore/internal/queue"
	"go.uber.org/zap"
)

// SnapshotProvider is satisfied by *engine.Engine; declared locally so
// obs never imports engine (avoiding a dependency the ambient
// observability layer has no business owning).
type SnapshotProvider interface {
	Snapshot() queue.Snapshot
}

// StartSnapshotSampler periodically pulls a Snapshot and republishes it
// as gauges, generalizing the teacher's StartQueueLengthUpdater (which
// polled Redis LLEN per queue) to polling the in-process Engine instead.
func StartSnapshotSampler(ctx context.Context, cfg *config.Config, provider SnapshotProvider, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := provider.Snapshot()
				InflightGlobal.Set(float64(snap.InflightGlobal))
				log.Debug("snapshot sampled",
					Int("inflight_global", snap.InflightGlobal),
					Int("users", len(snap.PerUser)))
			}
		}
	}()
}
