package users

import (
	"strings"
	"time"
)

// Identity maps a provider-specific login onto a canonical noteroom user id.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320;index"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Profile is the identity handed to request handlers and the relay.
type Profile struct {
	UserID      string
	Email       string
	DisplayName string
}

// Label returns the display name, falling back to email and then user id.
func (p Profile) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.Email != "" {
		return p.Email
	}
	return p.UserID
}

// Principals lists every identifier a note may have been shared with.
func (p Profile) Principals() []string {
	principals := make([]string, 0, 2)
	if p.UserID != "" {
		principals = append(principals, p.UserID)
	}
	if p.Email != "" && !strings.EqualFold(p.Email, p.UserID) {
		principals = append(principals, strings.ToLower(p.Email))
	}
	return principals
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func (i Identity) profile() Profile {
	return Profile{UserID: i.UserID, Email: i.Email, DisplayName: i.DisplayName}
}

// changes reports whether p carries details that differ from known.
func (p Profile) changes(known Profile) bool {
	return (p.Email != "" && p.Email != known.Email) ||
		(p.DisplayName != "" && p.DisplayName != known.DisplayName)
}
