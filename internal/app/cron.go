package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate/core/internal/config"
	pkgcron "github.com/toolgate/core/internal/pkg/cron"
)

const completedTaskRetention = 24 * time.Hour

// registerCronJobs registers the background loops. Cadences come from the
// scheduler config section; the scheduler itself captures per-run errors and
// exposes them through the jobs API.
func registerCronJobs(sched *pkgcron.Scheduler, cfg *config.AppConfig, deps *services, logger *zap.Logger) {
	log := logger.Named("Scheduler")

	// instrument wraps a job body so every run lands in the metrics collector.
	instrument := func(name string, fn func(ctx context.Context) error) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			start := time.Now()
			err := fn(ctx)
			status := "ok"
			if err != nil {
				status = "error"
			}
			deps.collector.IncrementCounter("scheduler_job_runs_total", 1,
				map[string]string{"job": name, "status": status})
			deps.collector.RecordHistogram("scheduler_job_duration_seconds",
				time.Since(start).Seconds(), map[string]string{"job": name})
			return err
		}
	}

	sched.Register(pkgcron.Job{
		Name:        "renew_expiring_triggers",
		Description: "re-register provider webhooks expiring within 24h",
		Interval:    cfg.Scheduler.RenewalInterval,
		Fn: instrument("renew_expiring_triggers", func(ctx context.Context) error {
			stats, err := deps.triggers.RenewExpiring(ctx)
			if err != nil {
				return err
			}
			if stats.Failed > 0 {
				log.Warn("trigger renewal sweep had failures",
					zap.Int("succeeded", stats.Succeeded),
					zap.Int("failed", stats.Failed),
					zap.Int("skipped", stats.Skipped))
			}
			return nil
		}),
	})

	sched.Register(pkgcron.Job{
		Name:        "expire_stale_triggers",
		Description: "mark active triggers whose provider subscription lapsed",
		Interval:    cfg.Scheduler.ExpiryInterval,
		Fn: instrument("expire_stale_triggers", func(ctx context.Context) error {
			n, err := deps.triggers.ExpireStale(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info("expired stale triggers", zap.Int64("count", n))
			}
			return nil
		}),
	})

	sched.Register(pkgcron.Job{
		Name:        "retry_failed_registrations",
		Description: "retry provider registration for recently errored triggers",
		Interval:    cfg.Scheduler.RetryInterval,
		Fn: instrument("retry_failed_registrations", func(ctx context.Context) error {
			stats, err := deps.triggers.RetryFailedRegistrations(ctx)
			if err != nil {
				return err
			}
			if stats.Succeeded+stats.Failed > 0 {
				log.Info("registration retry sweep finished",
					zap.Int("succeeded", stats.Succeeded),
					zap.Int("failed", stats.Failed),
					zap.Int("skipped", stats.Skipped))
			}
			return nil
		}),
	})

	sched.Register(pkgcron.Job{
		Name:        "cleanup_expired_events",
		Description: "archive and delete trigger events past retention",
		Interval:    cfg.Scheduler.CleanupInterval,
		Fn: instrument("cleanup_expired_events", func(ctx context.Context) error {
			n, err := deps.triggers.CleanupExpiredEvents(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info("cleaned up expired trigger events", zap.Int64("count", n))
			}
			return nil
		}),
	})

	sched.Register(pkgcron.Job{
		Name:        "cleanup_oauth1_temp_tokens",
		Description: "drop abandoned OAuth1 flow tokens",
		Interval:    cfg.Scheduler.CleanupInterval,
		Fn: instrument("cleanup_oauth1_temp_tokens", func(ctx context.Context) error {
			n, err := deps.linked.CleanupExpiredTempTokens(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info("cleaned up expired oauth1 temp tokens", zap.Int64("count", n))
			}
			return nil
		}),
	})

	sched.Register(pkgcron.Job{
		Name:        "requeue_pending_events",
		Description: "re-enqueue stored events the consumer never picked up",
		Interval:    cfg.Scheduler.RetryInterval,
		Fn: instrument("requeue_pending_events", func(ctx context.Context) error {
			n, err := deps.webhooks.RequeuePendingEvents(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info("requeued pending events", zap.Int("count", n))
			}
			return nil
		}),
	})

	sched.Register(pkgcron.Job{
		Name:        "retry_failed_deliveries",
		Description: "requeue failed delivery tasks that still have retries left",
		Interval:    cfg.Scheduler.RetryInterval,
		Fn: instrument("retry_failed_deliveries", func(ctx context.Context) error {
			tasks, err := deps.queue.ListRetryable(ctx)
			if err != nil {
				return err
			}
			requeued := 0
			for _, task := range tasks {
				if err := deps.queue.Requeue(ctx, task.ID); err != nil {
					log.Warn("requeue failed", zap.String("task_id", task.ID), zap.Error(err))
					continue
				}
				requeued++
			}
			if requeued > 0 {
				log.Info("requeued failed deliveries", zap.Int("count", requeued))
			}
			return nil
		}),
	})

	sched.Register(pkgcron.Job{
		Name:        "cleanup_completed_tasks",
		Description: "drop completed delivery tasks past retention",
		Interval:    cfg.Scheduler.CleanupInterval,
		Fn: instrument("cleanup_completed_tasks", func(ctx context.Context) error {
			before := time.Now().Add(-completedTaskRetention).UnixMilli()
			return deps.queue.DeleteCompleted(ctx, before)
		}),
	})
}
