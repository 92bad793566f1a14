package notes

import (
	"fmt"

	"github.com/google/uuid"
)

// IDProvider issues identifiers for new notes.
type IDProvider interface {
	NewID() (string, error)
}

// IDProviderFunc adapts a plain function into an IDProvider.
type IDProviderFunc func() (string, error)

// NewID calls f.
func (f IDProviderFunc) NewID() (string, error) {
	return f()
}

// NewUUIDProvider returns the default provider. Its ids are UUIDv7 values,
// so notes sort by creation time.
func NewUUIDProvider() IDProvider {
	return IDProviderFunc(newTimeOrderedID)
}

func newTimeOrderedID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("notes: generate id: %w", err)
	}
	return value.String(), nil
}
