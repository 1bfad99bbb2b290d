package repos

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/loqui-backend/internal/domain"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
)

type ChunkRepo interface {
	// BulkUpsert inserts chunks in batches; a re-parse hitting the same
	// (document_id, chunk_index) updates content in place and keeps the row
	// id stable, so vector points written against it stay valid.
	BulkUpsert(dbc dbctx.Context, rows []*types.DocumentChunk) error
	ListByDocument(dbc dbctx.Context, documentID uuid.UUID) ([]*types.DocumentChunk, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.DocumentChunk, error)
	CountByDocument(dbc dbctx.Context, documentID uuid.UUID) (int64, error)
	DeleteByDocument(dbc dbctx.Context, documentID uuid.UUID) error
}

type chunkRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChunkRepo(db *gorm.DB, baseLog *logger.Logger) ChunkRepo {
	return &chunkRepo{db: db, log: baseLog.With("repo", "ChunkRepo")}
}

func (r *chunkRepo) BulkUpsert(dbc dbctx.Context, rows []*types.DocumentChunk) error {
	if len(rows) == 0 {
		return nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}

	// Keep batches small because Content is large.
	const batchSize = 100

	return txx.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}, {Name: "chunk_index"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "token_count"}),
		}).
		CreateInBatches(rows, batchSize).Error
}

func (r *chunkRepo) ListByDocument(dbc dbctx.Context, documentID uuid.UUID) ([]*types.DocumentChunk, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.DocumentChunk
	if err := txx.WithContext(dbc.Ctx).
		Where("document_id = ?", documentID).
		Order("chunk_index ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chunkRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.DocumentChunk, error) {
	if len(ids) == 0 {
		return []*types.DocumentChunk{}, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.DocumentChunk
	if err := txx.WithContext(dbc.Ctx).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chunkRepo) CountByDocument(dbc dbctx.Context, documentID uuid.UUID) (int64, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var count int64
	if err := txx.WithContext(dbc.Ctx).
		Model(&types.DocumentChunk{}).
		Where("document_id = ?", documentID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *chunkRepo) DeleteByDocument(dbc dbctx.Context, documentID uuid.UUID) error {
	if documentID == uuid.Nil {
		return nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Where("document_id = ?", documentID).
		Delete(&types.DocumentChunk{}).Error
}
