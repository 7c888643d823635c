package batch

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Trigger string

const (
	TriggerAPI      Trigger = "api"
	TriggerSchedule Trigger = "schedule"
)

// Job is one reconciliation run over recent submissions.
type Job struct {
	ID                string     `gorm:"column:id;primaryKey;size:32" json:"id"`
	Code              string     `gorm:"column:code;size:32;index" json:"code"`
	Status            Status     `gorm:"column:status;size:16;index" json:"status"`
	Trigger           Trigger    `gorm:"column:trigger_source;size:16" json:"trigger"`
	CreatedBy         string     `gorm:"column:created_by;size:64" json:"created_by"`
	CreatedAt         time.Time  `gorm:"column:created_at;index" json:"created_at"`
	StartedAt         *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	HeartbeatAt       *time.Time `gorm:"column:heartbeat_at" json:"heartbeat_at,omitempty"`
	CompletedAt       *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	ItemsProcessed    int        `gorm:"column:items_processed" json:"items_processed"`
	ItemsSkipped      int        `gorm:"column:items_skipped" json:"items_skipped"`
	InteractionsFound int        `gorm:"column:interactions_found" json:"interactions_found"`
	PointsAwarded     int64      `gorm:"column:points_awarded" json:"points_awarded"`
	Error             string     `gorm:"column:error;type:text" json:"error,omitempty"`
}

func (Job) TableName() string { return "engagement_batch_jobs" }

// JobLock is the single row every job state transition locks first.
type JobLock struct {
	Name      string    `gorm:"column:name;primaryKey;size:32"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (JobLock) TableName() string { return "job_locks" }

const batchLockName = "batch"

type progress struct {
	processed    int
	skipped      int
	interactions int
	points       int64
}
