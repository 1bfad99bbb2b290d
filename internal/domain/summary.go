package domain

import (
	"time"

	"github.com/google/uuid"
)

// Summary is a rolling compression of a contiguous range of a chat's older
// turns. Rows are append-only and immutable; the newest row per chat is
// authoritative. Start/End reference the first and last message covered,
// and CompressionRatio = OriginalTokens / SummaryTokens.
type Summary struct {
	ID     uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ChatID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_summary_chat_created,priority:1" json:"chat_id"`

	Content      string `gorm:"column:content;type:text;not null" json:"content"`
	MessageCount int    `gorm:"column:message_count;not null;default:0" json:"message_count"`

	StartMessageID uuid.UUID `gorm:"type:uuid;column:start_message_id" json:"start_message_id"`
	EndMessageID   uuid.UUID `gorm:"type:uuid;column:end_message_id" json:"end_message_id"`

	OriginalTokens   int     `gorm:"column:original_tokens;not null;default:0" json:"original_tokens"`
	SummaryTokens    int     `gorm:"column:summary_tokens;not null;default:0" json:"summary_tokens"`
	CompressionRatio float64 `gorm:"column:compression_ratio;not null;default:0" json:"compression_ratio"`

	CreatedAt time.Time `gorm:"not null;default:now();index;index:idx_summary_chat_created,priority:2" json:"created_at"`
}

func (Summary) TableName() string { return "summary" }
