package domain

import (
	"time"

	"github.com/google/uuid"
)

// DocumentChunk is one 400-char window of extracted document text. OrgID is
// denormalized off the parent document so vector payloads and bulk deletes
// never need a join. Re-parses are idempotent per (document_id, chunk_index).
type DocumentChunk struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	DocumentID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_document_chunk_doc_index,unique,priority:1" json:"document_id"`
	OrgID      uuid.UUID `gorm:"type:uuid;not null;index" json:"org_id"`

	ChunkIndex int    `gorm:"column:chunk_index;not null;index:idx_document_chunk_doc_index,unique,priority:2" json:"chunk_index"`
	Content    string `gorm:"column:content;type:text;not null" json:"content"`
	TokenCount int    `gorm:"column:token_count;not null;default:0" json:"token_count"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (DocumentChunk) TableName() string { return "document_chunk" }
