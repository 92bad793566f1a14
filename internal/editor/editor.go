// Package editor holds the client-side state of one note: optimistic local
// edits, field overwrites from peers and a debounced autosave.
package editor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/noteroom/internal/relay"
	"go.uber.org/zap"
)

const (
	defaultQuietInterval = 2 * time.Second
	defaultSaveTimeout   = 10 * time.Second
	savedAtLayout        = "15:04:05"
)

var (
	// ErrUnknownField is returned for edits to a field the editor does not hold.
	ErrUnknownField = relay.ErrUnknownField

	errMissingNoteID = errors.New("editor: note id is required")
	errMissingStore  = errors.New("editor: note store is required")
)

// Document is the persisted part of a note.
type Document struct {
	Title   string
	Content string
}

// NoteStore loads and saves whole documents. Saves are last-write-wins.
type NoteStore interface {
	Load(ctx context.Context, noteID string) (Document, error)
	Save(ctx context.Context, noteID string, document Document) error
}

// Link is the live connection the editor emits local changes through.
type Link interface {
	Emit(field string, value string) bool
	IsConnected() bool
}

// Timer is the subset of *time.Timer the editor needs.
type Timer interface {
	Stop() bool
}

// Config wires an Editor. Clock and AfterFunc exist for tests.
type Config struct {
	NoteID        string
	Store         NoteStore
	QuietInterval time.Duration
	SaveTimeout   time.Duration
	Clock         func() time.Time
	AfterFunc     func(d time.Duration, f func()) Timer
	Logger        *zap.Logger
}

// State is a snapshot of the editor.
type State struct {
	Title       string
	Content     string
	LastSavedAt time.Time
	IsSaving    bool
	IsConnected bool
}

// Editor reconciles local keystrokes, remote overwrites and autosave.
type Editor struct {
	noteID        string
	store         NoteStore
	quietInterval time.Duration
	saveTimeout   time.Duration
	clock         func() time.Time
	afterFunc     func(d time.Duration, f func()) Timer
	logger        *zap.Logger

	mu          sync.Mutex
	document    Document
	link        Link
	timer       Timer
	generation  uint64
	inflight    int
	lastSavedAt time.Time
	closed      bool
}

// Open loads the note once and returns an editor seeded with it.
func Open(ctx context.Context, cfg Config) (*Editor, error) {
	if cfg.NoteID == "" {
		return nil, errMissingNoteID
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	quiet := cfg.QuietInterval
	if quiet <= 0 {
		quiet = defaultQuietInterval
	}
	saveTimeout := cfg.SaveTimeout
	if saveTimeout <= 0 {
		saveTimeout = defaultSaveTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	afterFunc := cfg.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	document, err := cfg.Store.Load(ctx, cfg.NoteID)
	if err != nil {
		return nil, fmt.Errorf("editor: load note %s: %w", cfg.NoteID, err)
	}
	return &Editor{
		noteID:        cfg.NoteID,
		store:         cfg.Store,
		quietInterval: quiet,
		saveTimeout:   saveTimeout,
		clock:         clock,
		afterFunc:     afterFunc,
		logger:        logger,
		document:      document,
	}, nil
}

// Attach binds the live connection used to broadcast local edits.
func (e *Editor) Attach(link Link) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.link = link
}

// Type applies a local edit, emits it when connected and restarts the
// autosave countdown.
func (e *Editor) Type(field string, value string) error {
	if err := relay.ValidateField(field); err != nil {
		return err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.setFieldLocked(field, value)
	e.scheduleLocked()
	link := e.link
	e.mu.Unlock()

	if link != nil && link.IsConnected() {
		link.Emit(field, value)
	}
	return nil
}

// ApplyRemote overwrites a field with a peer's value. It neither emits nor
// touches the autosave countdown.
func (e *Editor) ApplyRemote(field string, value string) {
	if err := relay.ValidateField(field); err != nil {
		e.logger.Warn("ignoring remote change", zap.String("note_id", e.noteID), zap.Error(err))
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setFieldLocked(field, value)
}

// Flush cancels the pending countdown and saves immediately.
func (e *Editor) Flush(ctx context.Context) error {
	e.mu.Lock()
	e.cancelLocked()
	document := e.document
	e.inflight++
	e.mu.Unlock()

	return e.save(ctx, document)
}

// Close cancels the pending countdown and releases the attached link.
// A save already in flight still completes.
func (e *Editor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.cancelLocked()
	link := e.link
	e.mu.Unlock()

	if closer, ok := link.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// State returns a snapshot of the editor.
func (e *Editor) State() State {
	e.mu.Lock()
	state := State{
		Title:       e.document.Title,
		Content:     e.document.Content,
		LastSavedAt: e.lastSavedAt,
		IsSaving:    e.inflight > 0,
	}
	link := e.link
	e.mu.Unlock()
	state.IsConnected = link != nil && link.IsConnected()
	return state
}

// StatusLine renders the connection and persistence indicators.
func (e *Editor) StatusLine() string {
	state := e.State()
	connection := "offline"
	if state.IsConnected {
		connection = "sync enabled"
	}
	persistence := "not saved yet"
	switch {
	case state.IsSaving:
		persistence = "saving…"
	case !state.LastSavedAt.IsZero():
		persistence = "saved at " + state.LastSavedAt.Format(savedAtLayout)
	}
	return connection + " | " + persistence
}

func (e *Editor) setFieldLocked(field string, value string) {
	switch field {
	case relay.FieldTitle:
		e.document.Title = value
	case relay.FieldContent:
		e.document.Content = value
	}
}

// scheduleLocked replaces any pending countdown. The generation guards a
// timer that fired while it was being replaced.
func (e *Editor) scheduleLocked() {
	e.cancelLocked()
	generation := e.generation
	e.timer = e.afterFunc(e.quietInterval, func() {
		e.autosave(generation)
	})
}

func (e *Editor) cancelLocked() {
	e.generation++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Editor) autosave(generation uint64) {
	e.mu.Lock()
	if e.closed || generation != e.generation {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	document := e.document
	e.inflight++
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.saveTimeout)
	defer cancel()
	if err := e.save(ctx, document); err != nil {
		e.logger.Warn("autosave failed", zap.String("note_id", e.noteID), zap.Error(err))
	}
}

// save expects the caller to have counted it in inflight.
func (e *Editor) save(ctx context.Context, document Document) error {
	err := e.store.Save(ctx, e.noteID, document)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight--
	if err != nil {
		return err
	}
	e.lastSavedAt = e.clock()
	return nil
}
