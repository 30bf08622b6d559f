package orchestrator

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nekobot-dev/mangaclaw/pkg/config"
	"github.com/nekobot-dev/mangaclaw/pkg/logger"
)

// RunSweeper evicts stale terminal tasks on the configured cron schedule.
// It checks the expression once a minute and returns when ctx is canceled.
func (o *Orchestrator) RunSweeper(ctx context.Context, cfg config.RetentionConfig) {
	if cfg.SweepCron == "" {
		return
	}
	g := gronx.New()
	if !g.IsValid(cfg.SweepCron) {
		logger.ErrorCF("orchestrator", "invalid retention cron, sweeper disabled",
			map[string]any{"cron": cfg.SweepCron})
		return
	}

	ttl := time.Duration(cfg.TTLMinutes) * time.Minute
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := g.IsDue(cfg.SweepCron, now)
			if err != nil || !due {
				continue
			}
			if n := o.store.Sweep(cfg.MaxTerminal, ttl); n > 0 {
				logger.InfoCF("orchestrator", "retention sweep", map[string]any{"evicted": n})
			}
		}
	}
}
