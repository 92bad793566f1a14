package notes

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrTitleRequired indicates that a note title is missing or blank.
	ErrTitleRequired = errors.New("notes: title is required")
	// ErrNoteNotFound indicates that no note exists for the identifier.
	ErrNoteNotFound = errors.New("notes: note not found")
	// ErrForbidden indicates that the caller may not perform the operation on the note.
	ErrForbidden = errors.New("notes: forbidden")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier (canonical id or email).
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Note is the persisted markdown note. Updates are last-write-wins per field.
type Note struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_notes_owner_created,priority:1"`
	Title            string `gorm:"column:title;type:text;not null"`
	Content          string `gorm:"column:content;type:text;not null;default:''"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_notes_owner_created,priority:2"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// NoteShare grants a user (canonical id or lower-cased email) access to a note.
type NoteShare struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	Grantee          string `gorm:"column:grantee;primaryKey;size:190;not null;index"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NoteShare) TableName() string {
	return "note_shares"
}

// NoteView is a note together with the set of users it is shared with.
type NoteView struct {
	Note
	SharedWith []string
}

// NoteUpdate carries the fields written by an update; nil fields are left untouched.
type NoteUpdate struct {
	Title   *string
	Content *string
}

// Empty reports whether the update changes nothing.
func (u NoteUpdate) Empty() bool {
	return u.Title == nil && u.Content == nil
}

// NormalizeGrantee canonicalizes a share target so email case never matters.
func NormalizeGrantee(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.Contains(trimmed, "@") {
		return strings.ToLower(trimmed)
	}
	return trimmed
}
