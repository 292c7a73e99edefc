package main

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"
	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/warden/internal/alerting"
	"github.com/linnemanlabs/warden/internal/postgres"
)

type maintainer interface {
	Maintain(ctx context.Context) (*alerting.MaintenanceReport, error)
}

// startMaintenance runs svc.Maintain on schedule until the returned stop func
// is called. An empty schedule disables maintenance. Overlapping runs are skipped.
func startMaintenance(ctx context.Context, schedule string, svc maintainer, L log.Logger) (func(context.Context) error, error) {
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if schedule != "" {
		if _, err := scheduler.AddFunc(schedule, func() {
			mctx, stats := postgres.WithStats(postgres.WithOrigin(ctx, "maintenance"))
			rep, err := svc.Maintain(mctx)
			queries, dbTime, dbErrs := stats.Snapshot()
			if err != nil {
				L.Error(mctx, err, "maintenance failed", "db_queries", queries, "db_errors", dbErrs)
				return
			}
			L.Info(mctx, "maintenance complete",
				"pruned_violations", rep.PrunedViolations,
				"pruned_dedup", rep.PrunedDedup,
				"escalated", rep.Escalated,
				"db_queries", queries,
				"db_time", dbTime,
				"db_errors", dbErrs,
			)
		}); err != nil {
			return nil, fmt.Errorf("maintenance schedule: %w", err)
		}
		scheduler.Start()
		L.Info(ctx, "maintenance scheduled", "schedule", schedule)
	}
	return func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, nil
}
