package ledger

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Genesis is the previous hash of a user's first transaction.
const Genesis = "GENESIS"

type Kind string

const (
	KindSubmissionCost Kind = "submission_cost"
	KindAccrual        Kind = "accrual"
	KindAdjustment     Kind = "adjustment"
	KindGrant          Kind = "grant"
)

type Mode int

const (
	// Strict rejects a debit that would take the balance below zero.
	Strict Mode = iota
	// Clamp floors the resulting balance at zero.
	Clamp
)

// Balance is the materialized running total of a user's transactions.
type Balance struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:64" json:"user_id"`
	TotalPoints int64     `gorm:"column:total_points;index" json:"total_points"`
	Sequence    int64     `gorm:"column:sequence" json:"sequence"`
	LastHash    string    `gorm:"column:last_hash;size:64" json:"-"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Balance) TableName() string { return "engagement_balances" }

type Transaction struct {
	ID               string         `gorm:"column:id;primaryKey;size:32" json:"id"`
	Code             string         `gorm:"column:code;size:32" json:"code"`
	UserID           string         `gorm:"column:user_id;size:64;uniqueIndex:idx_user_sequence" json:"user_id"`
	Sequence         int64          `gorm:"column:sequence;uniqueIndex:idx_user_sequence" json:"sequence"`
	Delta            int64          `gorm:"column:delta" json:"delta"`
	AppliedDelta     int64          `gorm:"column:applied_delta" json:"applied_delta"`
	PreviousBalance  int64          `gorm:"column:previous_balance" json:"previous_balance"`
	ResultingBalance int64          `gorm:"column:resulting_balance" json:"resulting_balance"`
	Reason           string         `gorm:"column:reason;size:128" json:"reason"`
	Kind             Kind           `gorm:"column:kind;size:32" json:"kind"`
	RelatedContentID *string        `gorm:"column:related_content_id;size:32;index" json:"related_content_id,omitempty"`
	IdempotencyKey   *string        `gorm:"column:idempotency_key;size:128;uniqueIndex" json:"idempotency_key,omitempty"`
	PreviousHash     string         `gorm:"column:previous_hash;size:64" json:"previous_hash"`
	Hash             string         `gorm:"column:hash;size:64" json:"hash"`
	Metadata         datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt        time.Time      `gorm:"column:created_at" json:"created_at"`
}

func (Transaction) TableName() string { return "engagement_transactions" }

func (t *Transaction) HashFields() map[string]string {
	return map[string]string{
		"id":                 t.ID,
		"code":               t.Code,
		"user_id":            t.UserID,
		"sequence":           fmt.Sprintf("%d", t.Sequence),
		"delta":              fmt.Sprintf("%d", t.Delta),
		"applied_delta":      fmt.Sprintf("%d", t.AppliedDelta),
		"previous_balance":   fmt.Sprintf("%d", t.PreviousBalance),
		"resulting_balance":  fmt.Sprintf("%d", t.ResultingBalance),
		"reason":             t.Reason,
		"kind":               string(t.Kind),
		"related_content_id": deref(t.RelatedContentID),
		"idempotency_key":    deref(t.IdempotencyKey),
		"created_at":         t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":      t.PreviousHash,
	}
}

func (t *Transaction) GenerateHash() string {
	fields := t.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// GenerateTransactionCode returns a human readable "YYYYMMDD-XXXXXX" code.
func GenerateTransactionCode(now time.Time) (string, error) {
	r := make([]byte, 3)
	if _, err := rand.Read(r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", now.Format("20060102"), strings.ToUpper(hex.EncodeToString(r))), nil
}

type DeltaRequest struct {
	UserID           string
	Delta            int64
	Reason           string
	Kind             Kind
	RelatedContentID string
	IdempotencyKey   string
	Code             string
	Mode             Mode
	Metadata         map[string]any
}

type LeaderboardEntry struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"user_id"`
	TotalPoints int64  `json:"total_points"`
}

type ChainReport struct {
	UserID       string `json:"user_id"`
	Valid        bool   `json:"valid"`
	Transactions int    `json:"transactions"`
	Balance      int64  `json:"balance"`
	BrokenAt     int64  `json:"broken_at,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
