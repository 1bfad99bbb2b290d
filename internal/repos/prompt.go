package repos

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/loqui-backend/internal/domain"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
)

// ErrVersionConflict means a concurrent create won the (name, version) slot.
// Callers can retry or surface a conflict.
var ErrVersionConflict = errors.New("prompt version conflict")

type PromptRepo interface {
	// CreateNextVersion inserts content as max(version)+1 for the name,
	// deactivating the current active version in the same transaction when
	// activate is set. The (name, version) unique index backstops races.
	// createdBy is nil for seeded versions.
	CreateNextVersion(dbc dbctx.Context, name, content string, createdBy *uuid.UUID, metadata datatypes.JSON, activate bool) (*types.Prompt, error)
	// Activate flips the active version of name to version, transactionally.
	// Returns false when the target version does not exist.
	Activate(dbc dbctx.Context, name string, version int) (bool, error)
	// GetActive returns nil (no error) when no version of name is active.
	GetActive(dbc dbctx.Context, name string) (*types.Prompt, error)
	GetByNameVersion(dbc dbctx.Context, name string, version int) (*types.Prompt, error)
	ListByName(dbc dbctx.Context, name string) ([]*types.Prompt, error)
	List(dbc dbctx.Context) ([]*types.Prompt, error)
	// RecordUsage folds one completion into the version's running means.
	RecordUsage(dbc dbctx.Context, id uuid.UUID, totalTokens int, latencyMs float64) error
}

type promptRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPromptRepo(db *gorm.DB, baseLog *logger.Logger) PromptRepo {
	return &promptRepo{db: db, log: baseLog.With("repo", "PromptRepo")}
}

func (r *promptRepo) CreateNextVersion(dbc dbctx.Context, name, content string, createdBy *uuid.UUID, metadata datatypes.JSON, activate bool) (*types.Prompt, error) {
	if name == "" {
		return nil, fmt.Errorf("missing prompt name")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	if len(metadata) == 0 {
		metadata = datatypes.JSON([]byte(`{}`))
	}

	var created *types.Prompt
	err := txx.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		version := 1
		var last types.Prompt
		lErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("name = ?", name).
			Order("version DESC").
			First(&last).Error
		if lErr == nil {
			version = last.Version + 1
		} else if !errors.Is(lErr, gorm.ErrRecordNotFound) {
			return lErr
		}

		if activate {
			if err := tx.Model(&types.Prompt{}).
				Where("name = ? AND active", name).
				Updates(map[string]interface{}{
					"active":     false,
					"updated_at": time.Now(),
				}).Error; err != nil {
				return err
			}
		}

		row := &types.Prompt{
			Name:      name,
			Version:   version,
			Content:   content,
			Active:    activate,
			Metadata:  metadata,
			CreatedBy: createdBy,
		}
		if err := tx.Create(row).Error; err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrVersionConflict
			}
			return err
		}
		created = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *promptRepo) Activate(dbc dbctx.Context, name string, version int) (bool, error) {
	if name == "" || version <= 0 {
		return false, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}

	activated := false
	err := txx.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		var target types.Prompt
		tErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("name = ? AND version = ?", name, version).
			First(&target).Error
		if errors.Is(tErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if tErr != nil {
			return tErr
		}

		now := time.Now()
		if err := tx.Model(&types.Prompt{}).
			Where("name = ? AND active AND id <> ?", name, target.ID).
			Updates(map[string]interface{}{
				"active":     false,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}
		if err := tx.Model(&types.Prompt{}).
			Where("id = ?", target.ID).
			Updates(map[string]interface{}{
				"active":     true,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}
		activated = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return activated, nil
}

func (r *promptRepo) GetActive(dbc dbctx.Context, name string) (*types.Prompt, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.Prompt
	err := txx.WithContext(dbc.Ctx).
		Where("name = ? AND active", name).
		First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *promptRepo) GetByNameVersion(dbc dbctx.Context, name string, version int) (*types.Prompt, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.Prompt
	if err := txx.WithContext(dbc.Ctx).
		Where("name = ? AND version = ?", name, version).
		First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *promptRepo) ListByName(dbc dbctx.Context, name string) ([]*types.Prompt, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.Prompt
	if err := txx.WithContext(dbc.Ctx).
		Where("name = ?", name).
		Order("version DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *promptRepo) List(dbc dbctx.Context) ([]*types.Prompt, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.Prompt
	if err := txx.WithContext(dbc.Ctx).
		Order("name ASC, version DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *promptRepo) RecordUsage(dbc dbctx.Context, id uuid.UUID, totalTokens int, latencyMs float64) error {
	if id == uuid.Nil {
		return nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	// Every SET expression reads the pre-update row, so (usage_count + 1)
	// is the correct denominator for both means.
	return txx.WithContext(dbc.Ctx).
		Model(&types.Prompt{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"usage_count":      gorm.Expr("usage_count + 1"),
			"avg_total_tokens": gorm.Expr("avg_total_tokens + ((? - avg_total_tokens) / (usage_count + 1))", totalTokens),
			"avg_latency_ms":   gorm.Expr("avg_latency_ms + ((? - avg_latency_ms) / (usage_count + 1))", latencyMs),
			"updated_at":       time.Now(),
		}).Error
}
