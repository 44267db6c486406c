package orchestrator

import (
	"context"
	"time"

	"github.com/jfoltran/datamover/internal/metrics"
	"github.com/jfoltran/datamover/internal/opstore"
)

// RunScheduler blocks, waking every interval to claim and dispatch due
// operations. The per-operation compare-and-set means replicas can run this
// loop concurrently without double-executing anything.
func (o *Orchestrator) RunScheduler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	o.logger.Info().Dur("interval", interval).Msg("scheduler started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	due, err := o.store.Due(ctx, time.Now())
	if err != nil {
		o.logger.Err(err).Msg("scheduler scan failed")
		return
	}

	for _, op := range due {
		claimed, err := o.store.Claim(ctx, op.ID)
		if err != nil {
			o.logger.Err(err).Str("operation", op.ID).Msg("claim failed")
			continue
		}
		if !claimed {
			// Another replica got there first.
			continue
		}
		metrics.SchedulerClaims.Inc()
		o.logger.Info().Str("operation", op.ID).Time("scheduled_at", op.ScheduledAt).Msg("claimed due operation")

		op.Status = opstore.StatusRunning
		go o.dispatch(op)
	}
}
