package notes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingPrincipals = errors.New("at least one principal is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "notes.service.new"
	opCreateNote   = "notes.create_note"
	opGetNote      = "notes.get_note"
	opUpdateNote   = "notes.update_note"
	opListNotes    = "notes.list_notes"
	opSetDeleted   = "notes.set_deleted"
	opDeleteNote   = "notes.delete_note"
	opShareNote    = "notes.share_note"
	opAccessLevel  = "notes.access_level"
	fieldNoteID    = "note_id"
	fieldOwnerID   = "owner_id"
	queryNoteID    = "note_id = ?"
	orderCreated   = "created_at_s DESC"
	reasonNotFound = "not_found"
	reasonQuery    = "query_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the durable note store: plain find/update calls with
// last-write-wins semantics and no concurrency token.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = IDProviderFunc(newTimeOrderedID)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// AccessLevel describes what a principal may do with a note.
type AccessLevel int

const (
	// AccessNone grants nothing.
	AccessNone AccessLevel = iota
	// AccessShared allows reading, editing and live co-editing.
	AccessShared
	// AccessOwner additionally allows sharing, trashing and deleting.
	AccessOwner
)

// CreateNote stores a new note owned by ownerID.
func (s *Service) CreateNote(ctx context.Context, ownerID UserID, title string, content string) (Note, error) {
	if strings.TrimSpace(title) == "" {
		return Note{}, newServiceError(opCreateNote, "missing_title", ErrTitleRequired)
	}
	noteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateNote, "id_generation_failed", err, zap.String(fieldOwnerID, ownerID.String()))
		return Note{}, newServiceError(opCreateNote, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	note := Note{
		NoteID:           noteID,
		OwnerID:          ownerID.String(),
		Title:            title,
		Content:          content,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&note).Error; err != nil {
		s.logError(opCreateNote, "insert_failed", err, zap.String(fieldOwnerID, ownerID.String()))
		return Note{}, newServiceError(opCreateNote, "insert_failed", err)
	}
	return note, nil
}

// GetNote loads a note and its grantees.
func (s *Service) GetNote(ctx context.Context, noteID NoteID) (NoteView, error) {
	note, err := s.loadNote(s.db.WithContext(ctx), opGetNote, noteID)
	if err != nil {
		return NoteView{}, err
	}
	sharedWith, err := s.listGrantees(s.db.WithContext(ctx), noteID)
	if err != nil {
		s.logError(opGetNote, "grantee_query_failed", err, zap.String(fieldNoteID, noteID.String()))
		return NoteView{}, newServiceError(opGetNote, "grantee_query_failed", err)
	}
	return NoteView{Note: note, SharedWith: sharedWith}, nil
}

// UpdateNote overwrites the provided fields. Concurrent writers race and the
// last write wins.
func (s *Service) UpdateNote(ctx context.Context, noteID NoteID, update NoteUpdate) (Note, error) {
	if update.Title != nil && strings.TrimSpace(*update.Title) == "" {
		return Note{}, newServiceError(opUpdateNote, "missing_title", ErrTitleRequired)
	}

	columns := map[string]interface{}{"updated_at_s": s.clock().UTC().Unix()}
	if update.Title != nil {
		columns["title"] = *update.Title
	}
	if update.Content != nil {
		columns["content"] = *update.Content
	}

	var updated Note
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Note{}).Where(queryNoteID, noteID.String()).Updates(columns)
		if result.Error != nil {
			s.logError(opUpdateNote, "update_failed", result.Error, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opUpdateNote, "update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opUpdateNote, reasonNotFound, ErrNoteNotFound)
		}
		note, err := s.loadNote(tx, opUpdateNote, noteID)
		if err != nil {
			return err
		}
		updated = note
		return nil
	})
	if err != nil {
		return Note{}, err
	}
	return updated, nil
}

// ListNotes returns notes owned by or shared with any of the principals,
// newest first. Trashed notes are skipped unless includeDeleted is set.
func (s *Service) ListNotes(ctx context.Context, principals []string, includeDeleted bool) ([]Note, error) {
	if len(principals) == 0 {
		s.logError(opListNotes, "missing_principals", errMissingPrincipals)
		return nil, newServiceError(opListNotes, "missing_principals", errMissingPrincipals)
	}

	sharedNoteIDs := s.db.Model(&NoteShare{}).Select(fieldNoteID).Where("grantee IN ?", principals)
	query := s.db.WithContext(ctx).
		Where(s.db.Where("owner_id IN ?", principals).Or("note_id IN (?)", sharedNoteIDs))
	if !includeDeleted {
		query = query.Where("is_deleted = ?", false)
	}

	var notes []Note
	if err := query.Order(orderCreated).Find(&notes).Error; err != nil {
		s.logError(opListNotes, reasonQuery, err, zap.Strings("principals", principals))
		return nil, newServiceError(opListNotes, reasonQuery, err)
	}
	return notes, nil
}

// SetDeleted moves a note to the trash or restores it.
func (s *Service) SetDeleted(ctx context.Context, noteID NoteID, deleted bool) (Note, error) {
	var updated Note
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Note{}).Where(queryNoteID, noteID.String()).Updates(map[string]interface{}{
			"is_deleted":   deleted,
			"updated_at_s": s.clock().UTC().Unix(),
		})
		if result.Error != nil {
			s.logError(opSetDeleted, "update_failed", result.Error, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opSetDeleted, "update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opSetDeleted, reasonNotFound, ErrNoteNotFound)
		}
		note, err := s.loadNote(tx, opSetDeleted, noteID)
		if err != nil {
			return err
		}
		updated = note
		return nil
	})
	if err != nil {
		return Note{}, err
	}
	return updated, nil
}

// DeleteNote permanently removes a note and its grants.
func (s *Service) DeleteNote(ctx context.Context, noteID NoteID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryNoteID, noteID.String()).Delete(&NoteShare{}).Error; err != nil {
			s.logError(opDeleteNote, "share_delete_failed", err, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opDeleteNote, "share_delete_failed", err)
		}
		result := tx.Where(queryNoteID, noteID.String()).Delete(&Note{})
		if result.Error != nil {
			s.logError(opDeleteNote, "note_delete_failed", result.Error, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opDeleteNote, "note_delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opDeleteNote, reasonNotFound, ErrNoteNotFound)
		}
		return nil
	})
}

// ShareNote grants the grantee access. Sharing twice is a no-op.
// It returns the full, sorted grantee list.
func (s *Service) ShareNote(ctx context.Context, noteID NoteID, grantee UserID) ([]string, error) {
	normalized := NormalizeGrantee(grantee.String())
	var grantees []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadNote(tx, opShareNote, noteID); err != nil {
			return err
		}
		share := NoteShare{
			NoteID:           noteID.String(),
			Grantee:          normalized,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&share).Error; err != nil {
			s.logError(opShareNote, "insert_failed", err,
				zap.String(fieldNoteID, noteID.String()),
				zap.String("grantee", normalized))
			return newServiceError(opShareNote, "insert_failed", err)
		}
		listed, err := s.listGrantees(tx, noteID)
		if err != nil {
			s.logError(opShareNote, "grantee_query_failed", err, zap.String(fieldNoteID, noteID.String()))
			return newServiceError(opShareNote, "grantee_query_failed", err)
		}
		grantees = listed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return grantees, nil
}

// AccessLevel reports what the principals may do with the note.
// It returns ErrNoteNotFound when the note does not exist.
func (s *Service) AccessLevel(ctx context.Context, noteID NoteID, principals []string) (AccessLevel, error) {
	note, err := s.loadNote(s.db.WithContext(ctx), opAccessLevel, noteID)
	if err != nil {
		return AccessNone, err
	}
	normalized := make([]string, 0, len(principals))
	for _, principal := range principals {
		if principal == note.OwnerID {
			return AccessOwner, nil
		}
		normalized = append(normalized, NormalizeGrantee(principal))
	}
	if len(normalized) == 0 {
		return AccessNone, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&NoteShare{}).
		Where("note_id = ? AND grantee IN ?", noteID.String(), normalized).
		Count(&count).Error; err != nil {
		s.logError(opAccessLevel, reasonQuery, err, zap.String(fieldNoteID, noteID.String()))
		return AccessNone, newServiceError(opAccessLevel, reasonQuery, err)
	}
	if count > 0 {
		return AccessShared, nil
	}
	return AccessNone, nil
}

func (s *Service) loadNote(db *gorm.DB, operation string, noteID NoteID) (Note, error) {
	var note Note
	err := db.Where(queryNoteID, noteID.String()).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, newServiceError(operation, reasonNotFound, ErrNoteNotFound)
	}
	if err != nil {
		s.logError(operation, "note_select_failed", err, zap.String(fieldNoteID, noteID.String()))
		return Note{}, newServiceError(operation, "note_select_failed", err)
	}
	return note, nil
}

func (s *Service) listGrantees(db *gorm.DB, noteID NoteID) ([]string, error) {
	var grantees []string
	if err := db.Model(&NoteShare{}).Where(queryNoteID, noteID.String()).Pluck("grantee", &grantees).Error; err != nil {
		return nil, err
	}
	sort.Strings(grantees)
	return grantees, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
