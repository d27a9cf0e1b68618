package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOverridesPurge deletes permission override rows that expired
	// longer than a grace period ago.
	TaskOverridesPurge = "permissions:purge_expired"
)

// OverridesPurgePayload configures one purge run.
type OverridesPurgePayload struct {
	// Grace keeps recently expired rows around for audit inspection.
	Grace time.Duration `json:"grace"`
}

// NewOverridesPurgeTask constructs an Asynq task.
func NewOverridesPurgeTask(grace time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(OverridesPurgePayload{Grace: grace})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOverridesPurge, data), nil
}
