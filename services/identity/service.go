package identity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"engagement-ledger/pkg/config"
	"engagement-ledger/pkg/db/option"
	"engagement-ledger/pkg/db/pagination"
	"engagement-ledger/pkg/errutil"
	"engagement-ledger/pkg/logger"
	"engagement-ledger/pkg/repository"

	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("engagement-ledger/services/identity")

type Service struct {
	db          *gorm.DB
	conns       repository.Repository[Connection]
	index       repository.Repository[HandleIndex]
	defaultTier string
	now         func() time.Time
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	defaultTier := "micro"
	if p.Config != nil && p.Config.Engagement.DefaultTier != "" {
		defaultTier = NormalizeTier(p.Config.Engagement.DefaultTier)
	}
	return &Service{
		db:          p.DB,
		conns:       repository.ProvideStore[Connection](p.DB),
		index:       repository.ProvideStore[HandleIndex](p.DB),
		defaultTier: defaultTier,
		now:         time.Now,
	}
}

// Link creates or overwrites the mapping for messagingID. A handle held by a
// different messaging id moves to the caller and the previous owner is
// soft-unlinked. An empty tier keeps the current tier or falls back to the
// default.
func (s *Service) Link(ctx context.Context, messagingID, socialHandle, tier string) (*Connection, error) {
	ctx, span := tracer.Start(ctx, "identity.Link")
	defer span.End()
	log := logger.FromContext(ctx).With(zap.String("messaging_id", messagingID))

	if messagingID == "" {
		return nil, errutil.Kind(errutil.ErrInvalidArgument, errutil.WithMessage("messaging id is required"))
	}

	handle, err := NormalizeHandle(socialHandle)
	if err != nil {
		return nil, err
	}

	var out *Connection
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		conns := s.conns.WithTrx(tx)
		index := s.index.WithTrx(tx)

		existing, created, err := s.lockConnection(ctx, conns, messagingID, now)
		if err != nil {
			return err
		}

		if !created && existing.Status == StatusActive && existing.SocialHandle != handle {
			if _, err := index.Delete(ctx, &HandleIndex{Handle: existing.SocialHandle, MessagingID: messagingID}); err != nil {
				return fmt.Errorf("release previous handle: %w", err)
			}
		}

		if err := s.claimHandle(ctx, conns, index, handle, messagingID, now); err != nil {
			return err
		}

		next := *existing
		next.SocialHandle = handle
		next.Status = StatusActive
		next.UpdatedAt = now
		switch {
		case tier != "":
			next.Tier = NormalizeTier(tier)
		case next.Tier == "":
			next.Tier = s.defaultTier
		}
		if created || existing.Status != StatusActive || existing.SocialHandle != handle {
			next.LinkedAt = now
		}

		if _, err := conns.Update(ctx, &Connection{MessagingID: messagingID}, map[string]any{
			"social_handle": next.SocialHandle,
			"tier":          next.Tier,
			"status":        next.Status,
			"linked_at":     next.LinkedAt,
			"updated_at":    next.UpdatedAt,
		}); err != nil {
			return err
		}

		out = &next
		return nil
	})
	if err != nil {
		log.Error("failed to link identity", zap.String("social_handle", handle), zap.Error(err))
		return nil, err
	}

	log.Info("identity linked", zap.String("social_handle", out.SocialHandle), zap.String("tier", out.Tier))
	return out, nil
}

// lockConnection makes sure a row exists for messagingID and locks it for the
// rest of the transaction. created reports whether the row is new.
func (s *Service) lockConnection(ctx context.Context, conns repository.Repository[Connection], messagingID string, now time.Time) (*Connection, bool, error) {
	created, err := conns.CreateIfAbsent(ctx, &Connection{
		MessagingID: messagingID,
		Status:      StatusUnlinked,
		LinkedAt:    now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, false, err
	}

	conn, err := conns.FindOne(ctx, &Connection{MessagingID: messagingID}, option.WithLockingUpdate())
	if err != nil {
		return nil, false, err
	}
	if conn == nil {
		return nil, false, fmt.Errorf("connection %s vanished under lock", messagingID)
	}
	return conn, created, nil
}

func (s *Service) claimHandle(ctx context.Context, conns repository.Repository[Connection], index repository.Repository[HandleIndex], handle, messagingID string, now time.Time) error {
	inserted, err := index.CreateIfAbsent(ctx, &HandleIndex{Handle: handle, MessagingID: messagingID, UpdatedAt: now})
	if err != nil {
		return err
	}
	if inserted {
		return nil
	}

	owner, err := index.FindOne(ctx, &HandleIndex{Handle: handle}, option.WithLockingUpdate())
	if err != nil {
		return err
	}
	if owner == nil || owner.MessagingID == messagingID {
		return nil
	}

	zap.L().Info("handle relinked, unlinking previous owner",
		zap.String("social_handle", handle),
		zap.String("previous_messaging_id", owner.MessagingID),
		zap.String("messaging_id", messagingID),
	)

	if _, err := conns.Update(ctx, &Connection{MessagingID: owner.MessagingID}, map[string]any{
		"status":     StatusUnlinked,
		"updated_at": now,
	}); err != nil {
		return err
	}

	_, err = index.Update(ctx, &HandleIndex{Handle: handle}, map[string]any{
		"messaging_id": messagingID,
		"updated_at":   now,
	})
	return err
}

// Resolve returns the active connection for messagingID.
func (s *Service) Resolve(ctx context.Context, messagingID string) (*Connection, error) {
	conn, err := s.conns.FindOne(ctx, &Connection{MessagingID: messagingID, Status: StatusActive})
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, errutil.Kind(errutil.ErrNotFound, errutil.WithMessage("connection not found"))
	}
	return conn, nil
}

// ResolveBySocialHandle looks the handle up through the secondary index.
func (s *Service) ResolveBySocialHandle(ctx context.Context, socialHandle string) (*Connection, error) {
	handle, err := NormalizeHandle(socialHandle)
	if err != nil {
		return nil, err
	}

	idx, err := s.index.FindOne(ctx, &HandleIndex{Handle: handle})
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return nil, errutil.Kind(errutil.ErrNotFound, errutil.WithMessage("connection not found"))
	}

	return s.Resolve(ctx, idx.MessagingID)
}

func (s *Service) SetTier(ctx context.Context, messagingID, tier string) (*Connection, error) {
	tier = NormalizeTier(tier)
	if tier == "" {
		return nil, errutil.Kind(errutil.ErrInvalidArgument, errutil.WithMessage("tier is required"))
	}

	n, err := s.conns.Update(ctx, &Connection{MessagingID: messagingID, Status: StatusActive}, map[string]any{
		"tier":       tier,
		"updated_at": s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errutil.Kind(errutil.ErrUnknownIdentity, errutil.WithDetails(errutil.Detail{
			Field: "messaging_id", Message: messagingID,
		}))
	}

	zap.L().Info("tier updated", zap.String("messaging_id", messagingID), zap.String("tier", tier))
	return s.Resolve(ctx, messagingID)
}

// Unlink soft-unlinks the connection and drops its handle from the index.
func (s *Service) Unlink(ctx context.Context, messagingID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conns := s.conns.WithTrx(tx)

		conn, err := conns.FindOne(ctx, &Connection{MessagingID: messagingID, Status: StatusActive}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if conn == nil {
			return errutil.Kind(errutil.ErrUnknownIdentity, errutil.WithDetails(errutil.Detail{
				Field: "messaging_id", Message: messagingID,
			}))
		}

		if _, err := s.index.WithTrx(tx).Delete(ctx, &HandleIndex{Handle: conn.SocialHandle, MessagingID: messagingID}); err != nil {
			return err
		}

		_, err = conns.Update(ctx, &Connection{MessagingID: messagingID}, map[string]any{
			"status":     StatusUnlinked,
			"updated_at": s.now().UTC(),
		})
		return err
	})
}

// List pages through active connections, most recently linked first.
func (s *Service) List(ctx context.Context, p pagination.Pagination) ([]*Connection, *pagination.PageInfo, error) {
	limit := pagination.Clamp(p.Limit, pagination.MaxLimit)

	opts := []option.QueryOption{
		func(db *gorm.DB) *gorm.DB { return db.Order("linked_at DESC, messaging_id DESC") },
		option.WithLimit(limit + 1),
	}
	if p.Cursor != "" {
		c, err := pagination.DecodeCursor(p.Cursor)
		if err != nil {
			return nil, nil, errutil.Kind(errutil.ErrInvalidArgument, errutil.WithMessage("invalid cursor"), errutil.WithErr(err))
		}
		opts = append(opts, func(db *gorm.DB) *gorm.DB {
			return db.Where("linked_at < ? OR (linked_at = ? AND messaging_id < ?)", c.At, c.At, c.ID)
		})
	}

	rows, err := s.conns.Find(ctx, &Connection{Status: StatusActive}, opts...)
	if err != nil {
		return nil, nil, err
	}

	page, info := pagination.BuildPage(rows, limit, func(c *Connection) pagination.Cursor {
		return pagination.Cursor{At: c.LinkedAt, ID: c.MessagingID}
	})
	return page, info, nil
}

// ListActiveIDs returns every active messaging id.
func (s *Service) ListActiveIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Connection{}).
		Where("status = ?", StatusActive).
		Order("messaging_id").
		Pluck("messaging_id", &ids).Error
	return ids, err
}

// RebuildIndex re-normalizes every active handle and rebuilds the secondary
// index from the primary records. When several connections share a handle
// the most recently linked one keeps it and the rest are soft-unlinked.
// It returns the number of connections it changed.
func (s *Service) RebuildIndex(ctx context.Context) (int, error) {
	changed := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		conns := s.conns.WithTrx(tx)

		active, err := conns.Find(ctx, &Connection{Status: StatusActive}, option.WithLockingUpdate())
		if err != nil {
			return err
		}

		sort.SliceStable(active, func(i, j int) bool {
			return active[i].LinkedAt.After(active[j].LinkedAt)
		})

		owners := make(map[string]string, len(active))
		for _, c := range active {
			handle, err := NormalizeHandle(c.SocialHandle)
			if err == nil {
				if _, taken := owners[handle]; !taken {
					owners[handle] = c.MessagingID
					if handle != c.SocialHandle {
						if _, err := conns.Update(ctx, &Connection{MessagingID: c.MessagingID}, map[string]any{
							"social_handle": handle,
							"updated_at":    now,
						}); err != nil {
							return err
						}
						changed++
					}
					continue
				}
			}

			if _, err := conns.Update(ctx, &Connection{MessagingID: c.MessagingID}, map[string]any{
				"status":     StatusUnlinked,
				"updated_at": now,
			}); err != nil {
				return err
			}
			changed++
		}

		if err := tx.Where("1 = 1").Delete(&HandleIndex{}).Error; err != nil {
			return err
		}

		rows := make([]HandleIndex, 0, len(owners))
		for handle, id := range owners {
			rows = append(rows, HandleIndex{Handle: handle, MessagingID: id, UpdatedAt: now})
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	return changed, err
}
