package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/payflow-hq/payflow/internal/permissions"
)

// OverridesPurgeJob removes long-expired override rows. Expired overrides
// are already excluded at resolution time; the purge only keeps the table
// bounded, so skipping a run is harmless.
type OverridesPurgeJob struct {
	store  permissions.OverrideStore
	logger *slog.Logger
}

// NewOverridesPurgeJob constructs the job.
func NewOverridesPurgeJob(store permissions.OverrideStore, logger *slog.Logger) *OverridesPurgeJob {
	return &OverridesPurgeJob{store: store, logger: logger}
}

// Handle processes TaskOverridesPurge tasks.
func (j *OverridesPurgeJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload OverridesPurgePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	cutoff := time.Now().Add(-payload.Grace)
	removed, err := j.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		if j.logger != nil {
			j.logger.Error("purge expired overrides", slog.Any("error", err))
		}
		return err
	}
	if j.logger != nil {
		j.logger.Info("purged expired overrides", slog.Int64("removed", removed), slog.Time("cutoff", cutoff))
	}
	return nil
}
