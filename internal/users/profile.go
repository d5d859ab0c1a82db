package users

import (
	"strings"
	"time"
)

// Profile holds the public handle chosen by a user.
type Profile struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username  string    `gorm:"column:username;size:64;not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
