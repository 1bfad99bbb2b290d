package postgres

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/yungbote/loqui-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(

		// =========================
		// Tenancy (provisioned out of band, read here)
		// =========================
		&types.Organization{},
		&types.User{},

		// =========================
		// Conversations
		// =========================
		&types.Chat{},
		&types.Message{},
		&types.Summary{},

		// =========================
		// Prompt registry
		// =========================
		&types.Prompt{},

		// =========================
		// Documents + ingestion
		// =========================
		&types.Document{},
		&types.DocumentChunk{},

		// =========================
		// Job queue
		// =========================
		&types.Job{},
	)
}

func EnsureIndexes(db *gorm.DB) error {
	// At most one active version per prompt name.
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_prompt_single_active
		ON prompt (name)
		WHERE active;
	`).Error; err != nil {
		return fmt.Errorf("create idx_prompt_single_active: %w", err)
	}

	// One live queue row per dedup key; completed/failed rows do not block.
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_job_active_dedup
		ON job (dedup_key)
		WHERE status IN ('pending', 'running') AND dedup_key <> '' AND deleted_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_job_active_dedup: %w", err)
	}

	// Claim scan order.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_job_claim
		ON job (status, run_at, created_at)
		WHERE deleted_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_job_claim: %w", err)
	}

	// Fast chat listing per caller.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_chat_org_user_last
		ON chat (org_id, user_id, last_message_at DESC);
	`).Error; err != nil {
		return fmt.Errorf("create idx_chat_org_user_last: %w", err)
	}

	return nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if err := EnsureIndexes(s.db); err != nil {
		s.log.Error("Index migration failed", "error", err)
		return err
	}
	return nil
}
