package jobs

import (
	"context"
	"time"

	"github.com/yungbote/loqui-backend/internal/platform/dbctx"
	"github.com/yungbote/loqui-backend/internal/platform/envutil"
	"github.com/yungbote/loqui-backend/internal/platform/logger"
	"github.com/yungbote/loqui-backend/internal/repos"
)

// Reaper deletes terminal job rows past their retention window so the queue
// table stays small: completed rows after 24h, failed rows after 7d (kept
// longer for debugging).
type Reaper struct {
	log          *logger.Logger
	repo         repos.JobRepo
	interval     time.Duration
	completedTTL time.Duration
	failedTTL    time.Duration
}

func NewReaper(baseLog *logger.Logger, repo repos.JobRepo) *Reaper {
	return &Reaper{
		log:          baseLog.With("component", "JobReaper"),
		repo:         repo,
		interval:     time.Duration(envutil.Int("JOB_REAPER_INTERVAL_MINUTES", 60)) * time.Minute,
		completedTTL: time.Duration(envutil.Int("JOB_COMPLETED_TTL_HOURS", 24)) * time.Hour,
		failedTTL:    time.Duration(envutil.Int("JOB_FAILED_TTL_HOURS", 168)) * time.Hour,
	}
}

func (r *Reaper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

func (r *Reaper) sweep(ctx context.Context) {
	dbc := dbctx.Context{Ctx: ctx}
	now := time.Now()

	if n, err := r.repo.PurgeCompletedBefore(dbc, now.Add(-r.completedTTL)); err != nil {
		r.log.Warn("Purge of completed jobs failed", "error", err)
	} else if n > 0 {
		r.log.Info("Purged completed jobs", "count", n)
	}

	if n, err := r.repo.PurgeFailedBefore(dbc, now.Add(-r.failedTTL)); err != nil {
		r.log.Warn("Purge of failed jobs failed", "error", err)
	} else if n > 0 {
		r.log.Info("Purged failed jobs", "count", n)
	}
}
