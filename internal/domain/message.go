package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message scopes to its org through the parent chat. Assistant rows carry
// provider/usage details in Metadata; a stream cut short before completion
// is persisted with metadata {"partial": true}.
type Message struct {
	ID     uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ChatID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_message_chat_created,priority:1" json:"chat_id"`

	// user|assistant|system
	Role    string `gorm:"column:role;not null;index" json:"role"`
	Content string `gorm:"column:content;type:text;not null;default:''" json:"content"`

	// Nullable so rows written before token accounting existed stay valid.
	TokenCount *int `gorm:"column:token_count" json:"token_count,omitempty"`

	Metadata datatypes.JSON `gorm:"type:jsonb;column:metadata;not null;default:'{}'" json:"metadata,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index;index:idx_message_chat_created,priority:2" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Message) TableName() string { return "message" }
