package relay

import (
	"sort"
	"sync"
)

// Sink receives frames addressed to one session. Deliver must not block;
// it reports false when the frame was dropped.
type Sink interface {
	Deliver(message Message) bool
}

// Member is one session's presence in a room.
type Member struct {
	SessionID   string
	UserID      string
	DisplayName string
	Sink        Sink
}

// JoinResult describes what a Join changed.
type JoinResult struct {
	// Joined is false when the session was already a member of the room.
	Joined bool
	// PreviousRoomID is the room the session was moved out of, if any.
	PreviousRoomID string
	// Notified counts the peers that received the presence notice.
	Notified int
}

// Registry maps note ids to the sessions currently editing them.
// Rooms exist only while they have members.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]Member
	sessions map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]map[string]Member),
		sessions: make(map[string]string),
	}
}

// Join adds the member to the room, creating the room on first use.
// A session belongs to at most one room, so joining a second room leaves the first.
// The other members of the room receive a UserJoined notice.
func (r *Registry) Join(roomID string, member Member) JoinResult {
	r.mu.Lock()
	result := JoinResult{}
	var previous Member
	var previousPeers []Member

	if current, ok := r.sessions[member.SessionID]; ok {
		if current == roomID {
			r.rooms[roomID][member.SessionID] = member
			r.mu.Unlock()
			return result
		}
		result.PreviousRoomID = current
		previous = r.rooms[current][member.SessionID]
		previousPeers = r.removeLocked(member.SessionID)
	}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]Member)
		r.rooms[roomID] = members
	}
	peers := make([]Member, 0, len(members))
	for _, peer := range members {
		peers = append(peers, peer)
	}
	members[member.SessionID] = member
	r.sessions[member.SessionID] = roomID
	r.mu.Unlock()

	result.Joined = true
	if result.PreviousRoomID != "" {
		deliverAll(previousPeers, UserLeft{
			RoomID:      result.PreviousRoomID,
			UserID:      previous.UserID,
			DisplayName: previous.DisplayName,
		})
	}
	result.Notified = deliverAll(peers, UserJoined{
		RoomID:      roomID,
		UserID:      member.UserID,
		DisplayName: member.DisplayName,
	})
	return result
}

// Leave removes the session from whatever room it is in and discards the
// room once it is empty. Remaining members receive a UserLeft notice.
func (r *Registry) Leave(sessionID string) (string, bool) {
	r.mu.Lock()
	roomID, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	departed := r.rooms[roomID][sessionID]
	peers := r.removeLocked(sessionID)
	r.mu.Unlock()

	deliverAll(peers, UserLeft{
		RoomID:      roomID,
		UserID:      departed.UserID,
		DisplayName: departed.DisplayName,
	})
	return roomID, true
}

// Broadcast delivers the message to every member of the room except the
// origin session and returns how many members accepted it.
func (r *Registry) Broadcast(roomID string, originSessionID string, message Message) int {
	r.mu.RLock()
	members := r.rooms[roomID]
	if len(members) == 0 {
		r.mu.RUnlock()
		return 0
	}
	targets := make([]Member, 0, len(members))
	for sessionID, member := range members {
		if sessionID == originSessionID {
			continue
		}
		targets = append(targets, member)
	}
	r.mu.RUnlock()
	return deliverAll(targets, message)
}

// Members returns the sorted session ids of the room.
func (r *Registry) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[roomID]
	if len(members) == 0 {
		return nil
	}
	sessionIDs := make([]string, 0, len(members))
	for sessionID := range members {
		sessionIDs = append(sessionIDs, sessionID)
	}
	sort.Strings(sessionIDs)
	return sessionIDs
}

// RoomOf returns the room the session is in.
func (r *Registry) RoomOf(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.sessions[sessionID]
	return roomID, ok
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// SessionCount returns the number of sessions that joined a room.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// removeLocked drops the session and returns the members left behind.
func (r *Registry) removeLocked(sessionID string) []Member {
	roomID := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	members := r.rooms[roomID]
	if members == nil {
		return nil
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
		return nil
	}
	remaining := make([]Member, 0, len(members))
	for _, member := range members {
		remaining = append(remaining, member)
	}
	return remaining
}

func deliverAll(members []Member, message Message) int {
	delivered := 0
	for _, member := range members {
		if member.Sink == nil {
			continue
		}
		if member.Sink.Deliver(message) {
			delivered++
		}
	}
	return delivered
}
