package trigger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/modules/triggers/connectors"
)

const (
	// renewalHorizon is how far ahead of expiry the renewal sweep reaches.
	renewalHorizon = 24 * time.Hour
	// retryWindow bounds how long a failed registration keeps being retried.
	retryWindow = 24 * time.Hour
	// maxRegistrationRetries caps the retry sweep per trigger.
	maxRegistrationRetries = 3
	// cleanupBatch is the expired-event delete chunk size.
	cleanupBatch = 500
)

// RenewExpiring re-registers provider subscriptions that expire within the
// next 24 hours. Providers with lease-style subscriptions (Microsoft Graph,
// Google push channels) go stale silently without this.
func (s *Service) RenewExpiring(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	deadline := nowUTC().Add(renewalHorizon)

	var rows []models.TriggerModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", models.TriggerActive, deadline).
		Preload("App").
		Preload("LinkedAccount").
		Find(&rows).Error
	if err != nil {
		return stats, err
	}

	for i := range rows {
		row := &rows[i]
		if row.App == nil || row.LinkedAccount == nil {
			stats.Skipped++
			continue
		}
		connector, ok := s.registry.Lookup(row.App.Name)
		if !ok {
			stats.Skipped++
			continue
		}

		cfg, err := s.configs.GetModel(ctx, row.ProjectID, row.App.Name)
		if err != nil {
			cfg = nil
		}
		token, err := s.connectorToken(ctx, row.App, cfg, row.LinkedAccount)
		if err != nil {
			s.logger.Warn("credential resolution for renewal failed",
				zap.String("trigger_id", row.ID), zap.Error(err))
			stats.Failed++
			s.recordRenewal(row.App.Name, false)
			continue
		}

		result := connectors.Renew(ctx, connector, row, token)
		if result.Success {
			s.applyRegistration(row, result)
			if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
				s.logger.Error("persist renewal failed",
					zap.String("trigger_id", row.ID), zap.Error(err))
				stats.Failed++
				s.recordRenewal(row.App.Name, false)
				continue
			}
			stats.Succeeded++
			s.recordRenewal(row.App.Name, true)
			continue
		}

		row.Status = models.TriggerError
		if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
			s.logger.Error("persist renewal failure failed",
				zap.String("trigger_id", row.ID), zap.Error(err))
		}
		s.logger.Warn("subscription renewal failed",
			zap.String("trigger_id", row.ID),
			zap.String("app_name", row.App.Name),
			zap.String("reason", result.ErrorMessage))
		stats.Failed++
		s.recordRenewal(row.App.Name, false)
	}

	if stats.Succeeded+stats.Failed+stats.Skipped > 0 {
		s.logger.Info("renewal sweep finished",
			zap.Int("succeeded", stats.Succeeded),
			zap.Int("failed", stats.Failed),
			zap.Int("skipped", stats.Skipped))
	}
	return stats, nil
}

func (s *Service) recordRenewal(app string, success bool) {
	if s.metrics != nil {
		s.metrics.RecordRenewal(app, success)
	}
}

// ExpireStale flips ACTIVE triggers whose expiry has passed to EXPIRED so the
// receiver stops accepting their deliveries.
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.TriggerModel{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", models.TriggerActive, nowUTC()).
		Update("status", models.TriggerExpired)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.logger.Info("expired stale triggers", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// RetryFailedRegistrations reattempts provider registration for triggers in
// ERROR. Only recent failures are retried, at most maxRegistrationRetries
// times; older rows stay in ERROR for the operator to inspect.
func (s *Service) RetryFailedRegistrations(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	cutoff := nowUTC().Add(-retryWindow)

	var rows []models.TriggerModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at >= ?", models.TriggerError, cutoff).
		Preload("App").
		Preload("LinkedAccount").
		Find(&rows).Error
	if err != nil {
		return stats, err
	}

	for i := range rows {
		row := &rows[i]
		if row.RetryCount() >= maxRegistrationRetries {
			stats.Skipped++
			continue
		}
		if row.App == nil || row.LinkedAccount == nil {
			stats.Skipped++
			continue
		}

		cfg, err := s.configs.GetModel(ctx, row.ProjectID, row.App.Name)
		if err != nil {
			cfg = nil
		}
		if s.attemptRegistration(ctx, row, row.App, cfg, row.LinkedAccount) {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
	}

	if stats.Succeeded+stats.Failed+stats.Skipped > 0 {
		s.logger.Info("registration retry sweep finished",
			zap.Int("succeeded", stats.Succeeded),
			zap.Int("failed", stats.Failed),
			zap.Int("skipped", stats.Skipped))
	}
	return stats, nil
}

// CleanupExpiredEvents removes events past their retention in batches. When
// an archiver is configured each batch is written to object storage first;
// an upload failure leaves the batch in place for the next sweep.
func (s *Service) CleanupExpiredEvents(ctx context.Context) (int64, error) {
	var total int64
	now := nowUTC()

	for {
		// Unscoped so acked (soft-deleted) events are reclaimed too.
		var batch []models.TriggerEventModel
		err := s.db.WithContext(ctx).Unscoped().
			Where("expires_at <= ?", now).
			Order("expires_at ASC").
			Limit(cleanupBatch).
			Find(&batch).Error
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		if s.archiver != nil && s.archiver.Enabled() {
			records := make([]interface{}, len(batch))
			for i := range batch {
				records[i] = &batch[i]
			}
			key, err := s.archiver.UploadJSONL(ctx, records)
			if err != nil {
				s.logger.Warn("event archive upload failed; keeping batch",
					zap.Int("batch_size", len(batch)), zap.Error(err))
				return total, nil
			}
			s.logger.Info("archived expired events",
				zap.Int("count", len(batch)), zap.String("key", key))
		}

		ids := make([]string, len(batch))
		for i := range batch {
			ids[i] = batch[i].ID
		}
		// Hard delete; these rows are past retention and already archived.
		res := s.db.WithContext(ctx).Unscoped().
			Where("id IN ?", ids).
			Delete(&models.TriggerEventModel{})
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected

		if len(batch) < cleanupBatch {
			if total > 0 {
				s.logger.Info("cleaned up expired events", zap.Int64("count", total))
			}
			return total, nil
		}
	}
}
