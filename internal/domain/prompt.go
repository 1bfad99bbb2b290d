package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Prompt is one immutable version of a named system prompt. Versions are
// monotonically increasing per name and at most one version per name is
// active (enforced by a partial unique index). Usage stats are running
// means updated on each successful completion.
type Prompt struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	Name    string `gorm:"column:name;not null;index;index:idx_prompt_name_version,unique,priority:1" json:"name"`
	Version int    `gorm:"column:version;not null;index:idx_prompt_name_version,unique,priority:2" json:"version"`

	Content string `gorm:"column:content;type:text;not null" json:"content"`
	Active  bool   `gorm:"column:active;not null;default:false;index" json:"active"`

	Metadata datatypes.JSON `gorm:"type:jsonb;column:metadata;not null;default:'{}'" json:"metadata,omitempty"`

	// CreatedBy is nil for versions installed by the seeder.
	CreatedBy *uuid.UUID `gorm:"type:uuid;column:created_by" json:"created_by,omitempty"`

	UsageCount     int64   `gorm:"column:usage_count;not null;default:0" json:"usage_count"`
	AvgTotalTokens float64 `gorm:"column:avg_total_tokens;not null;default:0" json:"avg_total_tokens"`
	AvgLatencyMs   float64 `gorm:"column:avg_latency_ms;not null;default:0" json:"avg_latency_ms"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Prompt) TableName() string { return "prompt" }
