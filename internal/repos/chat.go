package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/loqui-backend/internal/domain"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
)

// ChatRepo scopes every lookup by org so a cross-tenant id behaves exactly
// like a missing row (gorm.ErrRecordNotFound all the way up).
type ChatRepo interface {
	Create(dbc dbctx.Context, rows []*types.Chat) ([]*types.Chat, error)
	GetByID(dbc dbctx.Context, orgID, id uuid.UUID) (*types.Chat, error)
	ListByUser(dbc dbctx.Context, orgID, userID uuid.UUID, limit int) ([]*types.Chat, error)
	UpdateFields(dbc dbctx.Context, orgID, id uuid.UUID, updates map[string]interface{}) (bool, error)
	TouchLastMessage(dbc dbctx.Context, id uuid.UUID, at time.Time) error
	SoftDelete(dbc dbctx.Context, orgID, id uuid.UUID) (bool, error)
}

type chatRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatRepo(db *gorm.DB, baseLog *logger.Logger) ChatRepo {
	return &chatRepo{db: db, log: baseLog.With("repo", "ChatRepo")}
}

func (r *chatRepo) Create(dbc dbctx.Context, rows []*types.Chat) ([]*types.Chat, error) {
	if len(rows) == 0 {
		return []*types.Chat{}, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	if err := txx.WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *chatRepo) GetByID(dbc dbctx.Context, orgID, id uuid.UUID) (*types.Chat, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.Chat
	if err := txx.WithContext(dbc.Ctx).
		Where("id = ? AND org_id = ?", id, orgID).
		First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *chatRepo) ListByUser(dbc dbctx.Context, orgID, userID uuid.UUID, limit int) ([]*types.Chat, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.Chat
	if err := txx.WithContext(dbc.Ctx).
		Where("org_id = ? AND user_id = ?", orgID, userID).
		Order("last_message_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chatRepo) UpdateFields(dbc dbctx.Context, orgID, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil || len(updates) == 0 {
		return false, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := txx.WithContext(dbc.Ctx).
		Model(&types.Chat{}).
		Where("id = ? AND org_id = ?", id, orgID).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *chatRepo) TouchLastMessage(dbc dbctx.Context, id uuid.UUID, at time.Time) error {
	if id == uuid.Nil {
		return nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Model(&types.Chat{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_message_at": at,
			"updated_at":      at,
		}).Error
}

func (r *chatRepo) SoftDelete(dbc dbctx.Context, orgID, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).
		Where("id = ? AND org_id = ?", id, orgID).
		Delete(&types.Chat{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
