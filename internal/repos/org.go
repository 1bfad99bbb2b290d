package repos

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/loqui-backend/internal/domain"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
)

type OrgRepo interface {
	Create(dbc dbctx.Context, rows []*types.Organization) ([]*types.Organization, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Organization, error)
	List(dbc dbctx.Context, limit int) ([]*types.Organization, error)
}

type orgRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewOrgRepo(db *gorm.DB, baseLog *logger.Logger) OrgRepo {
	return &orgRepo{db: db, log: baseLog.With("repo", "OrgRepo")}
}

func (r *orgRepo) Create(dbc dbctx.Context, rows []*types.Organization) ([]*types.Organization, error) {
	if len(rows) == 0 {
		return []*types.Organization{}, nil
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

func (r *orgRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Organization, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.Organization
	if err := txx.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *orgRepo) List(dbc dbctx.Context, limit int) ([]*types.Organization, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.Organization
	if err := txx.WithContext(dbc.Ctx).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
