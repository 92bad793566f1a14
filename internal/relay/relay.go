package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer = 32
	defaultQueueSize  = 256
)

var (
	// ErrRelayStopped is returned when events are submitted after Run has returned.
	ErrRelayStopped = errors.New("relay: stopped")
	// ErrAccessDenied is returned by access checkers to refuse a join.
	ErrAccessDenied = errors.New("relay: access denied")

	errMissingRegistry = errors.New("relay: registry is required")
)

// Principal is the authenticated identity behind a connection. An empty
// UserID means the transport could not authenticate the caller, in which
// case the identifiers supplied in frames are used as-is.
type Principal struct {
	UserID      string
	DisplayName string
	// Identifiers lists every id a note may be shared with (user id, email).
	Identifiers []string
}

// AccessChecker decides whether a principal may join a note's room.
type AccessChecker interface {
	CheckAccess(ctx context.Context, roomID string, principal Principal) error
}

// Config wires a Relay.
type Config struct {
	Registry   *Registry
	Access     AccessChecker
	NewID      func() (string, error)
	SendBuffer int
	QueueSize  int
	Logger     *zap.Logger
}

// Relay turns connection events into registry operations. All registry
// mutations happen on the goroutine running Run, one event at a time, so
// fan-out order within a room matches the order events were processed.
type Relay struct {
	registry   *Registry
	access     AccessChecker
	newID      func() (string, error)
	sendBuffer int
	logger     *zap.Logger

	events   chan relayEvent
	stopped  chan struct{}
	runOnce  sync.Once
	sessions map[string]*Session
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventJoin
	eventReject
	eventChange
	eventDisconnect
)

type relayEvent struct {
	kind    eventKind
	session *Session
	message Message
}

// New validates the configuration and returns a relay that is ready to Run.
func New(cfg Config) (*Relay, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	newID := cfg.NewID
	if newID == nil {
		newID = newSessionID
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		registry:   cfg.Registry,
		access:     cfg.Access,
		newID:      newID,
		sendBuffer: sendBuffer,
		logger:     logger,
		events:     make(chan relayEvent, queueSize),
		stopped:    make(chan struct{}),
		sessions:   make(map[string]*Session),
	}, nil
}

// Registry exposes the room registry for introspection.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Run processes events until ctx is cancelled. On exit every session's
// outbound stream is closed. Run must be called at most once.
func (r *Relay) Run(ctx context.Context) error {
	err := errors.New("relay: already running")
	r.runOnce.Do(func() {
		defer close(r.stopped)
		defer r.closeAllSessions()
		for {
			select {
			case <-ctx.Done():
				err = ctx.Err()
				return
			case ev := <-r.events:
				r.handle(ev)
			}
		}
	})
	return err
}

// Connect registers a new session for the principal. The session receives a
// Connected frame carrying its id; it joins no room until it sends join-note.
func (r *Relay) Connect(ctx context.Context, principal Principal) (*Session, error) {
	sessionID, err := r.newID()
	if err != nil {
		return nil, fmt.Errorf("relay: session id: %w", err)
	}
	session := newSession(sessionID, principal, r.sendBuffer)
	if err := r.enqueue(ctx, relayEvent{kind: eventConnect, session: session}); err != nil {
		return nil, err
	}
	return session, nil
}

// Dispatch routes a client frame from the session. Frames a client is not
// allowed to send are dropped.
func (r *Relay) Dispatch(ctx context.Context, session *Session, message Message) error {
	switch typed := message.(type) {
	case JoinNote:
		return r.Join(ctx, session, typed)
	case ContentChange:
		return r.Change(ctx, session, typed)
	default:
		r.logger.Warn("relay dropped client frame",
			zap.String("session_id", session.ID()),
			zap.String("type", string(message.Type())))
		return nil
	}
}

// Join adds the session to the note's room once the access checker agrees.
// A denied session receives a join-rejected frame instead.
func (r *Relay) Join(ctx context.Context, session *Session, join JoinNote) error {
	join = session.stampJoin(join)
	if r.access != nil {
		if err := r.access.CheckAccess(ctx, join.RoomID, session.principal); err != nil {
			r.logger.Info("relay join rejected",
				zap.String("session_id", session.ID()),
				zap.String("room_id", join.RoomID),
				zap.Error(err))
			reason := RejectUnavailable
			if errors.Is(err, ErrAccessDenied) {
				reason = RejectForbidden
			}
			return r.enqueue(ctx, relayEvent{
				kind:    eventReject,
				session: session,
				message: JoinRejected{RoomID: join.RoomID, Reason: reason},
			})
		}
	}
	return r.enqueue(ctx, relayEvent{kind: eventJoin, session: session, message: join})
}

// Change relays a field update to the other members of the session's room.
func (r *Relay) Change(ctx context.Context, session *Session, change ContentChange) error {
	return r.enqueue(ctx, relayEvent{kind: eventChange, session: session, message: session.stampChange(change)})
}

// Disconnect removes the session from its room and closes its outbound stream.
// It does not depend on the request context so abrupt disconnects still clean up.
func (r *Relay) Disconnect(session *Session) {
	if err := r.enqueue(context.Background(), relayEvent{kind: eventDisconnect, session: session}); err != nil {
		session.close()
	}
}

func (r *Relay) enqueue(ctx context.Context, ev relayEvent) error {
	select {
	case <-r.stopped:
		return ErrRelayStopped
	default:
	}
	select {
	case r.events <- ev:
		return nil
	case <-r.stopped:
		return ErrRelayStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) handle(ev relayEvent) {
	session := ev.session
	switch ev.kind {
	case eventConnect:
		r.sessions[session.ID()] = session
		session.Deliver(Connected{SessionID: session.ID()})
		r.logger.Debug("relay session connected", zap.String("session_id", session.ID()))
	case eventReject:
		session.Deliver(ev.message)
	case eventJoin:
		join := ev.message.(JoinNote)
		if _, ok := r.sessions[session.ID()]; !ok {
			return
		}
		result := r.registry.Join(join.RoomID, Member{
			SessionID:   session.ID(),
			UserID:      join.UserID,
			DisplayName: join.DisplayName,
			Sink:        session,
		})
		r.logger.Debug("relay session joined",
			zap.String("session_id", session.ID()),
			zap.String("room_id", join.RoomID),
			zap.Bool("new_member", result.Joined),
			zap.Int("peers_notified", result.Notified))
	case eventChange:
		change := ev.message.(ContentChange)
		roomID, ok := r.registry.RoomOf(session.ID())
		if !ok || roomID != change.RoomID {
			r.logger.Warn("relay dropped change for unjoined room",
				zap.String("session_id", session.ID()),
				zap.String("room_id", change.RoomID))
			return
		}
		delivered := r.registry.Broadcast(roomID, session.ID(), ContentChanged{
			RoomID:          roomID,
			Field:           change.Field,
			Value:           change.Value,
			UserID:          change.UserID,
			OriginSessionID: session.ID(),
		})
		r.logger.Debug("relay broadcast change",
			zap.String("session_id", session.ID()),
			zap.String("room_id", roomID),
			zap.String("field", change.Field),
			zap.Int("delivered", delivered))
	case eventDisconnect:
		if roomID, ok := r.registry.Leave(session.ID()); ok {
			r.logger.Debug("relay session left room",
				zap.String("session_id", session.ID()),
				zap.String("room_id", roomID))
		}
		delete(r.sessions, session.ID())
		session.close()
	}
}

func (r *Relay) closeAllSessions() {
	for sessionID, session := range r.sessions {
		r.registry.Leave(sessionID)
		session.close()
		delete(r.sessions, sessionID)
	}
}

func newSessionID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Session is one live connection to the relay.
type Session struct {
	id        string
	principal Principal
	outbound  chan Message

	mu     sync.Mutex
	closed bool
}

func newSession(id string, principal Principal, buffer int) *Session {
	return &Session{
		id:        id,
		principal: principal,
		outbound:  make(chan Message, buffer),
	}
}

// ID returns the relay-assigned session id.
func (s *Session) ID() string {
	return s.id
}

// Outbound streams frames addressed to the session. It is closed when the
// session disconnects or the relay stops.
func (s *Session) Outbound() <-chan Message {
	return s.outbound
}

// Deliver queues the frame without blocking; a full buffer drops it.
func (s *Session) Deliver(message Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.outbound <- message:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.outbound)
}

func (s *Session) stampJoin(join JoinNote) JoinNote {
	if s.principal.UserID != "" {
		join.UserID = s.principal.UserID
	}
	if s.principal.DisplayName != "" {
		join.DisplayName = s.principal.DisplayName
	}
	if join.DisplayName == "" {
		join.DisplayName = join.UserID
	}
	return join
}

func (s *Session) stampChange(change ContentChange) ContentChange {
	if s.principal.UserID != "" {
		change.UserID = s.principal.UserID
	}
	return change
}
