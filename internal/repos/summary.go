package repos

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/loqui-backend/internal/domain"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
)

type SummaryRepo interface {
	Create(dbc dbctx.Context, rows []*types.Summary) ([]*types.Summary, error)
	// GetLatestByChat returns nil (no error) when the chat has no summary yet.
	GetLatestByChat(dbc dbctx.Context, chatID uuid.UUID) (*types.Summary, error)
	DeleteByChat(dbc dbctx.Context, chatID uuid.UUID) error
}

type summaryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSummaryRepo(db *gorm.DB, baseLog *logger.Logger) SummaryRepo {
	return &summaryRepo{db: db, log: baseLog.With("repo", "SummaryRepo")}
}

func (r *summaryRepo) Create(dbc dbctx.Context, rows []*types.Summary) ([]*types.Summary, error) {
	if len(rows) == 0 {
		return []*types.Summary{}, nil
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

func (r *summaryRepo) GetLatestByChat(dbc dbctx.Context, chatID uuid.UUID) (*types.Summary, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.Summary
	err := txx.WithContext(dbc.Ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC").
		First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *summaryRepo) DeleteByChat(dbc dbctx.Context, chatID uuid.UUID) error {
	if chatID == uuid.Nil {
		return nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Where("chat_id = ?", chatID).
		Delete(&types.Summary{}).Error
}
