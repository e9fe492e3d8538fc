package users

import (
	"strings"
	"time"
)

// Profile records the last-known display name of a collaborator. It is
// bookkeeping only; presence and editing never depend on it.
type Profile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing collaborator profiles.
func (Profile) TableName() string {
	return "collaborator_profiles"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
