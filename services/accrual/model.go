package accrual

import (
	"time"

	"engagement-ledger/services/ledger"
)

// Record is the interaction lock. Its composite key makes every
// (content, actor, type) triple recordable exactly once.
type Record struct {
	ContentID       string    `gorm:"column:content_id;primaryKey;size:32" json:"content_id"`
	ActorHandle     string    `gorm:"column:actor_handle;primaryKey;size:64" json:"actor_handle"`
	InteractionType string    `gorm:"column:interaction_type;primaryKey;size:16" json:"interaction_type"`
	DiscoveredAt    time.Time `gorm:"column:discovered_at;index" json:"discovered_at"`
	Points          int64     `gorm:"column:points" json:"points"`
	JobID           string    `gorm:"column:job_id;size:32" json:"job_id,omitempty"`
	TransactionID   *string   `gorm:"column:transaction_id;size:32" json:"transaction_id,omitempty"`
}

func (Record) TableName() string { return "engagement_interactions" }

type Outcome string

const (
	Accrued         Outcome = "accrued"
	AlreadyRecorded Outcome = "already_recorded"
	Skipped         Outcome = "skipped"
)

type Result struct {
	Outcome     Outcome             `json:"outcome"`
	Points      int64               `json:"points"`
	Reason      string              `json:"reason,omitempty"`
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
}
