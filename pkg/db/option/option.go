package option

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption decorates a query before it is executed.
type QueryOption func(*gorm.DB) *gorm.DB

type Operator string

const (
	EQ  Operator = "="
	NEQ Operator = "<>"
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
	IN  Operator = "IN"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

// LockingUpdate is a scope that takes row locks on everything the query reads.
// Dialects without row locks (sqlite) drop the clause.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func WithLockingUpdate() QueryOption {
	return LockingUpdate
}

func WithSortBy(s QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if s.SortBy == "" {
			return db
		}
		if s.Allow != nil && !s.Allow[s.SortBy] {
			return db
		}
		return db.Order(clause.OrderByColumn{
			Column: clause.Column{Name: s.SortBy},
			Desc:   strings.EqualFold(s.OrderBy, "desc"),
		})
	}
}

func WithLimit(limit int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	}
}

// ApplyOperator adds a WHERE clause for conditions that cannot be expressed
// with a zero-value-skipping struct query, such as booleans or ranges.
func ApplyOperator(conds ...Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		for _, c := range conds {
			op := c.Operator
			if op == "" {
				op = EQ
			}
			db = db.Where(fmt.Sprintf("%s %s ?", c.Field, op), c.Value)
		}
		return db
	}
}

func Apply(db *gorm.DB, opts ...QueryOption) *gorm.DB {
	for _, opt := range opts {
		if opt != nil {
			db = opt(db)
		}
	}
	return db
}
