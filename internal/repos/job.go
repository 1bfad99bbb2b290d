package repos

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/loqui-backend/internal/domain"
	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
)

type JobRepo interface {
	// Enqueue inserts the row, or returns the already-active row for the
	// same dedup key. The bool reports whether a new row was created.
	Enqueue(dbc dbctx.Context, job *types.Job) (*types.Job, bool, error)
	// ClaimNext atomically picks the next runnable row (due pending, or
	// running with a stale heartbeat) and marks it running. Returns nil
	// when nothing is runnable.
	ClaimNext(dbc dbctx.Context, kinds []string, staleRunning time.Duration) (*types.Job, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	Complete(dbc dbctx.Context, id uuid.UUID) error
	// Fail records the error; with retryAt set the row goes back to pending
	// for that time, otherwise it is failed permanently.
	Fail(dbc dbctx.Context, id uuid.UUID, errMsg string, retryAt *time.Time) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error)
	CountByStatus(dbc dbctx.Context) (map[string]int64, error)
	PurgeCompletedBefore(dbc dbctx.Context, cutoff time.Time) (int64, error)
	PurgeFailedBefore(dbc dbctx.Context, cutoff time.Time) (int64, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{db: db, log: baseLog.With("repo", "JobRepo")}
}

func (r *jobRepo) Enqueue(dbc dbctx.Context, job *types.Job) (*types.Job, bool, error) {
	if job == nil {
		return nil, false, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	if job.Status == "" {
		job.Status = types.JobStatusPending
	}
	if job.RunAt.IsZero() {
		job.RunAt = time.Now()
	}

	// DO NOTHING instead of raising 23505 so an enqueue inside a caller's
	// transaction cannot abort it; zero rows affected means the partial
	// dedup index matched an active row.
	res := txx.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(job)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return job, true, nil
	}

	if job.DedupKey != "" {
		existing, gErr := r.getActiveByDedupKey(dbc, job.DedupKey)
		if gErr != nil {
			return nil, false, gErr
		}
		if existing != nil {
			return existing, false, nil
		}
	}
	return nil, false, gorm.ErrDuplicatedKey
}

func (r *jobRepo) getActiveByDedupKey(dbc dbctx.Context, dedupKey string) (*types.Job, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.Job
	err := txx.WithContext(dbc.Ctx).
		Where("dedup_key = ? AND status IN ?", dedupKey, []string{types.JobStatusPending, types.JobStatusRunning}).
		First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *jobRepo) ClaimNext(dbc dbctx.Context, kinds []string, staleRunning time.Duration) (*types.Job, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)

	var claimed *types.Job
	err := txx.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		var job types.Job
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
        (
          (status = ? AND run_at <= ?)
          OR (
            status = ?
            AND heartbeat_at IS NOT NULL
            AND heartbeat_at < ?
          )
        )
      `, types.JobStatusPending, now, types.JobStatusRunning, staleCutoff).
			Order("run_at ASC, created_at ASC")
		if len(kinds) > 0 {
			q = q.Where("kind IN ?", kinds)
		}
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := tx.Model(&types.Job{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":       types.JobStatusRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		job.Status = types.JobStatusRunning
		job.Attempts++
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *jobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	now := time.Now()
	return txx.WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("id = ? AND status = ?", id, types.JobStatusRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *jobRepo) Complete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	now := time.Now()
	return txx.WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       types.JobStatusCompleted,
			"completed_at": now,
			"updated_at":   now,
		}).Error
}

func (r *jobRepo) Fail(dbc dbctx.Context, id uuid.UUID, errMsg string, retryAt *time.Time) error {
	if id == uuid.Nil {
		return nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	now := time.Now()
	updates := map[string]interface{}{
		"error":      errMsg,
		"updated_at": now,
	}
	if retryAt != nil {
		updates["status"] = types.JobStatusPending
		updates["run_at"] = *retryAt
	} else {
		updates["status"] = types.JobStatusFailed
		updates["failed_at"] = now
	}
	return txx.WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *jobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.Job
	if err := txx.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *jobRepo) CountByStatus(dbc dbctx.Context) (map[string]int64, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var rows []struct {
		Status string
		Count  int64
	}
	if err := txx.WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

func (r *jobRepo) PurgeCompletedBefore(dbc dbctx.Context, cutoff time.Time) (int64, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).
		Unscoped().
		Where("status = ? AND completed_at IS NOT NULL AND completed_at < ?", types.JobStatusCompleted, cutoff).
		Delete(&types.Job{})
	return res.RowsAffected, res.Error
}

func (r *jobRepo) PurgeFailedBefore(dbc dbctx.Context, cutoff time.Time) (int64, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).
		Unscoped().
		Where("status = ? AND failed_at IS NOT NULL AND failed_at < ?", types.JobStatusFailed, cutoff).
		Delete(&types.Job{})
	return res.RowsAffected, res.Error
}
