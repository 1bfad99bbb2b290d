package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type User struct {
	ID    uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OrgID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_app_user_org_email,unique,priority:1" json:"org_id"`

	Email       string `gorm:"column:email;not null;index:idx_app_user_org_email,unique,priority:2" json:"email"`
	DisplayName string `gorm:"column:display_name;not null;default:''" json:"display_name"`

	// owner|admin|member
	Role string `gorm:"column:role;not null;default:'member';index" json:"role"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (User) TableName() string { return "app_user" }
