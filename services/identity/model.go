package identity

import (
	"regexp"
	"strings"
	"time"

	"engagement-ledger/pkg/errutil"

	"github.com/gosimple/slug"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusUnlinked Status = "unlinked"
)

// Connection links a messaging-platform account to a social handle.
type Connection struct {
	MessagingID  string    `gorm:"column:messaging_id;primaryKey;size:64" json:"messaging_id"`
	SocialHandle string    `gorm:"column:social_handle;index;size:64" json:"social_handle"`
	Tier         string    `gorm:"column:tier;size:32" json:"tier"`
	Status       Status    `gorm:"column:status;size:16;index" json:"status"`
	LinkedAt     time.Time `gorm:"column:linked_at;index" json:"linked_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Connection) TableName() string { return "engagement_connections" }

// HandleIndex is the secondary index from social handle to messaging id. It
// only holds rows for active connections.
type HandleIndex struct {
	Handle      string    `gorm:"column:handle;primaryKey;size:64"`
	MessagingID string    `gorm:"column:messaging_id;index;size:64"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (HandleIndex) TableName() string { return "engagement_handle_index" }

var handlePattern = regexp.MustCompile(`^[a-z0-9_]{1,50}$`)

// NormalizeHandle trims, strips leading '@' and case-folds a social handle.
func NormalizeHandle(raw string) (string, error) {
	h := strings.ToLower(strings.TrimLeft(strings.TrimSpace(raw), "@"))
	if h == "" {
		return "", errutil.Kind(errutil.ErrInvalidHandle, errutil.WithDetails(errutil.Detail{
			Field: "social_handle", Message: "handle is empty",
		}))
	}
	if !handlePattern.MatchString(h) {
		return "", errutil.Kind(errutil.ErrInvalidHandle, errutil.WithDetails(errutil.Detail{
			Field: "social_handle", Message: "handle may only contain letters, digits and underscores",
		}))
	}
	return h, nil
}

// NormalizeTier turns a tier name into its canonical slug.
func NormalizeTier(tier string) string {
	return slug.Make(tier)
}
