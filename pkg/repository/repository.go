package repository

import (
	"context"
	"errors"

	"engagement-ledger/pkg/db/option"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the generic store port used by the services. Every method
// runs against the handle it was built with, so a repository obtained from
// WithTrx takes part in the caller's transaction.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	CreateIfAbsent(ctx context.Context, resource *T) (bool, error)
	Upsert(ctx context.Context, resource *T, conflict []string, updates []string) error
	Update(ctx context.Context, query *T, updates any, opts ...option.QueryOption) (int64, error)
	Delete(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error)
	Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error)
}

type store[T any] struct {
	db *gorm.DB
}

func ProvideStore[T any](db *gorm.DB) Repository[T] {
	return &store[T]{db: db}
}

func (s *store[T]) WithTrx(tx *gorm.DB) Repository[T] {
	if tx == nil {
		return s
	}
	return &store[T]{db: tx}
}

func (s *store[T]) query(ctx context.Context, query *T, opts ...option.QueryOption) *gorm.DB {
	db := s.db.WithContext(ctx).Model(new(T))
	if query != nil {
		db = db.Where(query)
	}
	return option.Apply(db, opts...)
}

func (s *store[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	var out []*T
	if err := s.query(ctx, query, opts...).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FindOne returns nil without error when no row matches.
func (s *store[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	var out T
	err := s.query(ctx, query, opts...).Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *store[T]) Create(ctx context.Context, resource *T) error {
	return s.db.WithContext(ctx).Create(resource).Error
}

// CreateIfAbsent is the set-once primitive: it inserts the row unless a row
// with a conflicting unique key exists, and reports whether it inserted.
func (s *store[T]) CreateIfAbsent(ctx context.Context, resource *T) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(resource)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *store[T]) Upsert(ctx context.Context, resource *T, conflict []string, updates []string) error {
	cols := make([]clause.Column, 0, len(conflict))
	for _, c := range conflict {
		cols = append(cols, clause.Column{Name: c})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   cols,
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(resource).Error
}

func (s *store[T]) Update(ctx context.Context, query *T, updates any, opts ...option.QueryOption) (int64, error) {
	res := s.query(ctx, query, opts...).Updates(updates)
	return res.RowsAffected, res.Error
}

func (s *store[T]) Delete(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error) {
	db := s.db.WithContext(ctx)
	if query != nil {
		db = db.Where(query)
	}
	res := option.Apply(db, opts...).Delete(new(T))
	return res.RowsAffected, res.Error
}

func (s *store[T]) Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error) {
	var n int64
	err := s.query(ctx, query, opts...).Count(&n).Error
	return n, err
}
