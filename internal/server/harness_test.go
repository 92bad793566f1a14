package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/noteroom/internal/auth"
	"github.com/MarcoPoloResearchLab/noteroom/internal/database"
	"github.com/MarcoPoloResearchLab/noteroom/internal/notes"
	"github.com/MarcoPoloResearchLab/noteroom/internal/relay"
	"github.com/MarcoPoloResearchLab/noteroom/internal/users"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
)

type testEnvironment struct {
	server   *httptest.Server
	notes    *notes.Service
	registry *relay.Registry
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	logger := zap.NewNop()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := database.OpenSQLite(dsn, logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	noteService, err := notes.NewService(notes.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build notes service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}
	checker, err := NewNoteAccessChecker(noteService)
	if err != nil {
		t.Fatalf("failed to build access checker: %v", err)
	}

	registry := relay.NewRegistry()
	hub, err := relay.New(relay.Config{Registry: registry, Access: checker, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build relay: %v", err)
	}
	transport, err := relay.NewWebSocketTransport(relay.TransportConfig{Relay: hub, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build transport: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Users:            userService,
		NotesService:     noteService,
		Relay:            transport,
		Registry:         registry,
		Logger:           logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		_ = hub.Run(ctx)
	}()
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		cancel()
		<-relayDone
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return &testEnvironment{server: server, notes: noteService, registry: registry}
}

// signSession issues a session cookie value for a user with the given email.
func signSession(t *testing.T, userID string, email string) string {
	t.Helper()
	now := time.Now()
	claims := auth.SessionClaims{
		UserID:          userID,
		UserEmail:       email,
		UserDisplayName: strings.ToUpper(userID[:1]) + userID[1:],
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    auth.DefaultSessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign session: %v", err)
	}
	return token
}

func (e *testEnvironment) request(t *testing.T, method string, path string, session string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if session != "" {
		req.AddCookie(&http.Cookie{Name: testCookieName, Value: session})
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp.StatusCode, payload
}

func decodeInto[T any](t *testing.T, payload []byte) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		t.Fatalf("failed to decode %s: %v", payload, err)
	}
	return value
}

func (e *testEnvironment) createNote(t *testing.T, session string, title string, content string) notePayload {
	t.Helper()
	status, payload := e.request(t, http.MethodPost, "/notes", session, map[string]string{"title": title, "content": content})
	if status != http.StatusCreated {
		t.Fatalf("expected 201 creating note, got %d: %s", status, payload)
	}
	return decodeInto[notePayload](t, payload)
}

func (e *testEnvironment) relayURL() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/relay"
}

func sessionHeader(session string) http.Header {
	header := http.Header{}
	header.Set("Cookie", (&http.Cookie{Name: testCookieName, Value: session}).String())
	return header
}
