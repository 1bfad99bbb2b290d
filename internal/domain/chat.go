package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Chat struct {
	ID     uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OrgID  uuid.UUID `gorm:"type:uuid;not null;index;index:idx_chat_org_user,priority:1" json:"org_id"`
	UserID uuid.UUID `gorm:"type:uuid;not null;index:idx_chat_org_user,priority:2" json:"user_id"`

	Title string `gorm:"column:title;not null;default:'New Chat'" json:"title"`

	LastMessageAt time.Time `gorm:"column:last_message_at;not null;default:now();index" json:"last_message_at"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Chat) TableName() string { return "chat" }
