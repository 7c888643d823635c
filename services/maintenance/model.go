package maintenance

import (
	"context"
	"time"
)

type Status string

const (
	StatusRunning Status = "running"
	StatusApplied Status = "applied"
)

// Run records one claimed or applied maintenance version.
type Run struct {
	Version   string     `gorm:"column:version;primaryKey;size:16" json:"version"`
	Name      string     `gorm:"column:name;size:64" json:"name"`
	Status    Status     `gorm:"column:status;size:16" json:"status"`
	StartedAt time.Time  `gorm:"column:started_at" json:"started_at"`
	AppliedAt *time.Time `gorm:"column:applied_at" json:"applied_at,omitempty"`
	Detail    string     `gorm:"column:detail;type:text" json:"detail,omitempty"`
}

func (Run) TableName() string { return "maintenance_runs" }

// Procedure is a versioned repair. Apply must be safe to run again after a
// partial failure and returns a short summary of what it changed.
type Procedure struct {
	Version string
	Name    string
	Apply   func(ctx context.Context) (string, error)
}

// State is a procedure together with its recorded run, if any.
type State struct {
	Version   string     `json:"version"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
	Detail    string     `json:"detail,omitempty"`
}

const statusPending = "pending"
