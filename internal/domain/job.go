package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// JobKindParseDocument extracts, chunks, embeds and indexes one uploaded
// document. Enqueued by the upload path with dedup key "doc-{document_id}".
const JobKindParseDocument = "parse-document"

// Job is a persistent queue row. Claiming uses FOR UPDATE SKIP LOCKED so
// concurrent workers never double-run a row. A retryable failure goes back
// to pending with RunAt pushed out by the backoff schedule; attempts
// exhausted means failed for good. DedupKey is unique among pending/running
// rows (partial index) so enqueueing an already-active key is a no-op.
type Job struct {
	ID    uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OrgID uuid.UUID `gorm:"type:uuid;not null;index" json:"org_id"`

	Kind     string `gorm:"column:kind;not null;index" json:"kind"`
	DedupKey string `gorm:"column:dedup_key;not null;default:'';index" json:"dedup_key,omitempty"`

	// pending|running|completed|failed
	Status      string `gorm:"column:status;not null;default:'pending';index" json:"status"`
	Attempts    int    `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts int    `gorm:"column:max_attempts;not null;default:3" json:"max_attempts"`

	Payload datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Error   string         `gorm:"column:error;type:text;not null;default:''" json:"error,omitempty"`

	RunAt       time.Time  `gorm:"column:run_at;not null;default:now();index" json:"run_at"`
	LockedAt    *time.Time `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at;index" json:"completed_at,omitempty"`
	FailedAt    *time.Time `gorm:"column:failed_at;index" json:"failed_at,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Job) TableName() string { return "job" }
