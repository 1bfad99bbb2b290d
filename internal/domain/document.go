package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	DocumentStatusUploaded   = "uploaded"
	DocumentStatusProcessing = "processing"
	DocumentStatusParsed     = "parsed"
	DocumentStatusFailed     = "failed"
)

type Document struct {
	ID     uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OrgID  uuid.UUID `gorm:"type:uuid;not null;index;index:idx_document_org_created,priority:1" json:"org_id"`
	UserID uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`

	Filename  string `gorm:"column:filename;not null" json:"filename"`
	MimeType  string `gorm:"column:mime_type;not null;default:''" json:"mime_type"`
	SizeBytes int64  `gorm:"column:size_bytes;not null;default:0" json:"size_bytes"`
	BlobKey   string `gorm:"column:blob_key;not null;default:''" json:"blob_key"`

	// uploaded|processing|parsed|failed
	Status string `gorm:"column:status;not null;default:'uploaded';index" json:"status"`
	Error  string `gorm:"column:error;type:text;not null;default:''" json:"error,omitempty"`

	PageCount  int `gorm:"column:page_count;not null;default:0" json:"page_count"`
	ChunkCount int `gorm:"column:chunk_count;not null;default:0" json:"chunk_count"`

	CreatedAt time.Time      `gorm:"not null;default:now();index;index:idx_document_org_created,priority:2" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Document) TableName() string { return "document" }
