package relay

import (
	"sync"
	"testing"
)

type recordingSink struct {
	mu       sync.Mutex
	messages []Message
	refuse   bool
}

func (s *recordingSink) Deliver(message Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse {
		return false
	}
	s.messages = append(s.messages, message)
	return true
}

func (s *recordingSink) received() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

func (s *recordingSink) changes() []ContentChanged {
	var changes []ContentChanged
	for _, message := range s.received() {
		if changed, ok := message.(ContentChanged); ok {
			changes = append(changes, changed)
		}
	}
	return changes
}

func newMember(sessionID string, sink Sink) Member {
	return Member{SessionID: sessionID, UserID: "user-" + sessionID, DisplayName: "User " + sessionID, Sink: sink}
}

func TestRegistryBroadcastSkipsOrigin(t *testing.T) {
	registry := NewRegistry()
	sinkA := &recordingSink{}
	sinkB := &recordingSink{}
	registry.Join("note-1", newMember("a", sinkA))
	registry.Join("note-1", newMember("b", sinkB))

	delivered := registry.Broadcast("note-1", "a", ContentChanged{RoomID: "note-1", Field: FieldContent, Value: "Hello", OriginSessionID: "a"})
	if delivered != 1 {
		t.Fatalf("expected one delivery, got %d", delivered)
	}
	if changes := sinkB.changes(); len(changes) != 1 || changes[0].Value != "Hello" {
		t.Fatalf("expected peer to receive the change, got %#v", changes)
	}
	if changes := sinkA.changes(); len(changes) != 0 {
		t.Fatalf("origin must never receive its own change, got %#v", changes)
	}
}

func TestRegistryJoinIsIdempotent(t *testing.T) {
	registry := NewRegistry()
	sinkA := &recordingSink{}
	sinkB := &recordingSink{}
	registry.Join("note-1", newMember("b", sinkB))

	first := registry.Join("note-1", newMember("a", sinkA))
	second := registry.Join("note-1", newMember("a", sinkA))
	if !first.Joined || second.Joined {
		t.Fatalf("expected only the first join to add membership: %#v %#v", first, second)
	}
	if members := registry.Members("note-1"); len(members) != 2 {
		t.Fatalf("expected two members, got %v", members)
	}

	joinedNotices := 0
	for _, message := range sinkB.received() {
		if _, ok := message.(UserJoined); ok {
			joinedNotices++
		}
	}
	if joinedNotices != 1 {
		t.Fatalf("expected a single presence notice, got %d", joinedNotices)
	}
}

func TestRegistryLeaveDiscardsEmptyRooms(t *testing.T) {
	registry := NewRegistry()
	sinkA := &recordingSink{}
	sinkB := &recordingSink{}
	registry.Join("note-1", newMember("a", sinkA))
	registry.Join("note-1", newMember("b", sinkB))

	if roomID, ok := registry.Leave("a"); !ok || roomID != "note-1" {
		t.Fatalf("unexpected leave result: %q %v", roomID, ok)
	}
	if registry.Broadcast("note-1", "b", ContentChanged{RoomID: "note-1", Field: FieldTitle, Value: "x", OriginSessionID: "b"}) != 0 {
		t.Fatalf("departed session must not receive broadcasts")
	}
	if len(sinkA.changes()) != 0 {
		t.Fatalf("departed session received a change")
	}
	var left []UserLeft
	for _, message := range sinkB.received() {
		if notice, ok := message.(UserLeft); ok {
			left = append(left, notice)
		}
	}
	if len(left) != 1 || left[0].UserID != "user-a" {
		t.Fatalf("expected a user-left notice for a, got %#v", left)
	}

	registry.Leave("b")
	if registry.RoomCount() != 0 {
		t.Fatalf("expected empty room to be discarded, have %d rooms", registry.RoomCount())
	}
	if registry.SessionCount() != 0 {
		t.Fatalf("expected no tracked sessions, have %d", registry.SessionCount())
	}
	if _, ok := registry.Leave("b"); ok {
		t.Fatalf("leaving twice must report no membership")
	}
}

func TestRegistryJoinMovesSessionBetweenRooms(t *testing.T) {
	registry := NewRegistry()
	sinkA := &recordingSink{}
	sinkB := &recordingSink{}
	registry.Join("note-1", newMember("a", sinkA))
	registry.Join("note-1", newMember("b", sinkB))

	result := registry.Join("note-2", newMember("a", sinkA))
	if result.PreviousRoomID != "note-1" {
		t.Fatalf("expected previous room note-1, got %q", result.PreviousRoomID)
	}
	if roomID, _ := registry.RoomOf("a"); roomID != "note-2" {
		t.Fatalf("expected a to be in note-2, got %q", roomID)
	}
	if members := registry.Members("note-1"); len(members) != 1 || members[0] != "b" {
		t.Fatalf("expected only b in note-1, got %v", members)
	}
}

func TestRegistryBroadcastToEmptyRoomIsNoop(t *testing.T) {
	registry := NewRegistry()
	if delivered := registry.Broadcast("missing", "a", ContentChanged{}); delivered != 0 {
		t.Fatalf("expected no deliveries, got %d", delivered)
	}
	sinkA := &recordingSink{}
	registry.Join("solo", newMember("a", sinkA))
	if delivered := registry.Broadcast("solo", "a", ContentChanged{RoomID: "solo"}); delivered != 0 {
		t.Fatalf("expected no deliveries in a room without peers, got %d", delivered)
	}
}

func TestRegistryCountsRefusedDeliveries(t *testing.T) {
	registry := NewRegistry()
	full := &recordingSink{refuse: true}
	open := &recordingSink{}
	registry.Join("note-1", newMember("full", full))
	registry.Join("note-1", newMember("open", open))

	if delivered := registry.Broadcast("note-1", "origin", ContentChanged{RoomID: "note-1"}); delivered != 1 {
		t.Fatalf("expected one accepted delivery, got %d", delivered)
	}
}

func TestRegistriesAreIsolated(t *testing.T) {
	first := NewRegistry()
	second := NewRegistry()
	first.Join("note-1", newMember("a", &recordingSink{}))
	if second.RoomCount() != 0 {
		t.Fatalf("expected independent registries")
	}
}
