package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/noteroom/internal/notes"
	"github.com/MarcoPoloResearchLab/noteroom/internal/relay"
)

// NoteAccessChecker admits a principal to a note's relay room when the
// principal owns the note or it has been shared with them.
type NoteAccessChecker struct {
	notes *notes.Service
}

// NewNoteAccessChecker returns a relay access checker backed by the notes store.
func NewNoteAccessChecker(service *notes.Service) (*NoteAccessChecker, error) {
	if service == nil {
		return nil, errMissingNotesService
	}
	return &NoteAccessChecker{notes: service}, nil
}

// CheckAccess implements relay.AccessChecker.
func (c *NoteAccessChecker) CheckAccess(ctx context.Context, roomID string, principal relay.Principal) error {
	noteID, err := notes.NewNoteID(roomID)
	if err != nil {
		return fmt.Errorf("%w: %v", relay.ErrAccessDenied, err)
	}
	level, err := c.notes.AccessLevel(ctx, noteID, principal.Identifiers)
	if err != nil {
		if errors.Is(err, notes.ErrNoteNotFound) {
			return fmt.Errorf("%w: %v", relay.ErrAccessDenied, err)
		}
		return err
	}
	if level == notes.AccessNone {
		return fmt.Errorf("%w: note %s", relay.ErrAccessDenied, noteID)
	}
	return nil
}
