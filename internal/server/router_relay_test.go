package server

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/noteroom/internal/apiclient"
	"github.com/MarcoPoloResearchLab/noteroom/internal/editor"
	"github.com/MarcoPoloResearchLab/noteroom/internal/liveclient"
	"github.com/MarcoPoloResearchLab/noteroom/internal/notes"
	"github.com/MarcoPoloResearchLab/noteroom/internal/relay"
	"github.com/gorilla/websocket"
)

const relayTimeout = 3 * time.Second

func dialAs(t *testing.T, env *testEnvironment, session string) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(env.relayURL(), sessionHeader(session))
	if err != nil {
		t.Fatalf("relay dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	connected := readRelayFrame[relay.Connected](t, conn)
	return conn, connected.SessionID
}

func readRelayFrame[T relay.Message](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(relayTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var zero T
			t.Fatalf("read failed while waiting for %T: %v", zero, err)
		}
		message, err := relay.Decode(data)
		if err != nil {
			t.Fatalf("invalid frame %s: %v", data, err)
		}
		if typed, ok := message.(T); ok {
			return typed
		}
	}
}

func sendRelayFrame(t *testing.T, conn *websocket.Conn, message relay.Message) {
	t.Helper()
	data, err := relay.Encode(message)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func waitUntil(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(relayTimeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRelayRequiresSession(t *testing.T) {
	env := newTestEnvironment(t)
	_, response, err := websocket.DefaultDialer.Dial(env.relayURL(), nil)
	if err == nil {
		t.Fatalf("expected anonymous relay dial to fail")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", response)
	}
}

func TestRelayPropagatesChangesBetweenCollaborators(t *testing.T) {
	env := newTestEnvironment(t)
	ada := signSession(t, "ada", "ada@example.com")
	bob := signSession(t, "bob", "bob@example.com")
	note := env.createNote(t, ada, "Plan", "")
	env.request(t, http.MethodPost, "/notes/"+note.ID+"/share", ada, map[string]string{"user_id": "bob"})

	adaConn, adaSession := dialAs(t, env, ada)
	bobConn, bobSession := dialAs(t, env, bob)

	sendRelayFrame(t, adaConn, relay.JoinNote{RoomID: note.ID, UserID: "spoofed"})
	waitUntil(t, "ada to join", func() bool { room, ok := env.registry.RoomOf(adaSession); return ok && room == note.ID })
	sendRelayFrame(t, bobConn, relay.JoinNote{RoomID: note.ID})
	joined := readRelayFrame[relay.UserJoined](t, adaConn)
	if joined.UserID != "bob" || joined.DisplayName != "Bob" {
		t.Fatalf("expected authenticated identity for bob, got %#v", joined)
	}
	waitUntil(t, "bob to join", func() bool { room, ok := env.registry.RoomOf(bobSession); return ok && room == note.ID })

	sendRelayFrame(t, adaConn, relay.ContentChange{RoomID: note.ID, Field: relay.FieldContent, Value: "Hello", UserID: "spoofed"})
	changed := readRelayFrame[relay.ContentChanged](t, bobConn)
	if changed.Value != "Hello" || changed.UserID != "ada" || changed.OriginSessionID != adaSession {
		t.Fatalf("unexpected change: %#v", changed)
	}

	_ = adaConn.UnderlyingConn().Close()
	if left := readRelayFrame[relay.UserLeft](t, bobConn); left.UserID != "ada" {
		t.Fatalf("expected ada to leave, got %#v", left)
	}
	_ = bobConn.Close()
	waitUntil(t, "room to empty", func() bool { return env.registry.RoomCount() == 0 })
}

func TestRelayRejectsStrangers(t *testing.T) {
	env := newTestEnvironment(t)
	ada := signSession(t, "ada", "ada@example.com")
	eve := signSession(t, "eve", "eve@example.com")
	note := env.createNote(t, ada, "Private", "")

	eveConn, eveSession := dialAs(t, env, eve)
	sendRelayFrame(t, eveConn, relay.JoinNote{RoomID: note.ID})
	if rejected := readRelayFrame[relay.JoinRejected](t, eveConn); rejected.Reason != "forbidden" {
		t.Fatalf("expected forbidden, got %#v", rejected)
	}
	sendRelayFrame(t, eveConn, relay.JoinNote{RoomID: "no-such-note"})
	if rejected := readRelayFrame[relay.JoinRejected](t, eveConn); rejected.Reason != "forbidden" {
		t.Fatalf("expected forbidden for unknown note, got %#v", rejected)
	}
	if _, ok := env.registry.RoomOf(eveSession); ok {
		t.Fatalf("stranger must not be admitted")
	}
}

func TestEditingClientsConvergeAndPersist(t *testing.T) {
	env := newTestEnvironment(t)
	ada := signSession(t, "ada", "ada@example.com")
	bob := signSession(t, "bob", "bob@example.com")
	note := env.createNote(t, ada, "Plan", "")
	env.request(t, http.MethodPost, "/notes/"+note.ID+"/share", ada, map[string]string{"user_id": "bob@example.com"})

	openEditor := func(session string) *editor.Editor {
		client, err := apiclient.New(apiclient.Config{BaseURL: env.server.URL, SessionToken: session, CookieName: testCookieName})
		if err != nil {
			t.Fatalf("failed to build api client: %v", err)
		}
		noteEditor, err := editor.Open(context.Background(), editor.Config{
			NoteID:        note.ID,
			Store:         client,
			QuietInterval: 50 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("failed to open editor: %v", err)
		}
		connection, err := liveclient.Open(context.Background(), liveclient.Config{
			URL:            client.RelayURL(),
			Header:         client.SessionHeader(),
			RoomID:         note.ID,
			OnRemoteChange: noteEditor.ApplyRemote,
		})
		if err != nil {
			t.Fatalf("failed to open live connection: %v", err)
		}
		noteEditor.Attach(connection)
		t.Cleanup(func() { _ = noteEditor.Close() })
		return noteEditor
	}

	adaEditor := openEditor(ada)
	bobEditor := openEditor(bob)
	waitUntil(t, "both editors to join", func() bool { return len(env.registry.Members(note.ID)) == 2 })

	if err := adaEditor.Type(relay.FieldContent, "Hello from Ada"); err != nil {
		t.Fatalf("type failed: %v", err)
	}
	waitUntil(t, "bob to see ada's edit", func() bool { return bobEditor.State().Content == "Hello from Ada" })

	waitUntil(t, "autosave", func() bool { return !adaEditor.State().LastSavedAt.IsZero() })
	view, err := env.notes.GetNote(context.Background(), notesID(t, note.ID))
	if err != nil {
		t.Fatalf("failed to read note: %v", err)
	}
	if view.Content != "Hello from Ada" {
		t.Fatalf("expected autosave to persist the edit, got %q", view.Content)
	}
	if !bobEditor.State().LastSavedAt.IsZero() {
		t.Fatalf("remote edits must not trigger a save")
	}
	if status := adaEditor.StatusLine(); !strings.HasPrefix(status, "sync enabled") {
		t.Fatalf("unexpected status line %q", status)
	}
}

func notesID(t *testing.T, raw string) notes.NoteID {
	t.Helper()
	noteID, err := notes.NewNoteID(raw)
	if err != nil {
		t.Fatalf("invalid note id %q: %v", raw, err)
	}
	return noteID
}
