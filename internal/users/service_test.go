package users

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/noteroom/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, dsn string) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestResolveProfileStripsProviderPrefix(t *testing.T) {
	service := newTestService(t, "file:users_prefix?mode=memory&cache=shared")

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "User@Example.com",
		UserDisplayName: "Example User",
	}
	profile, err := service.ResolveProfile(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if profile.UserID != "12345" {
		t.Fatalf("expected canonical user id without provider prefix, got %q", profile.UserID)
	}
	if profile.Email != "user@example.com" {
		t.Fatalf("expected lower-cased email, got %q", profile.Email)
	}

	// second call is served from memory and keeps the id stable.
	profile, err = service.ResolveProfile(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if profile.UserID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", profile.UserID)
	}
}

func TestResolveProfileRefreshesDisplayName(t *testing.T) {
	service := newTestService(t, "file:users_refresh?mode=memory&cache=shared")

	first, err := service.ResolveProfile(context.Background(), auth.SessionClaims{UserID: "u-1", UserDisplayName: "Old Name"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if first.Label() != "Old Name" {
		t.Fatalf("unexpected label: %s", first.Label())
	}

	second, err := service.ResolveProfile(context.Background(), auth.SessionClaims{UserID: "u-1", UserDisplayName: "New Name"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if second.DisplayName != "New Name" {
		t.Fatalf("expected display name refresh, got %q", second.DisplayName)
	}

	var stored Identity
	if err := service.db.Where("subject = ?", "u-1").Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload identity: %v", err)
	}
	if stored.DisplayName != "New Name" {
		t.Fatalf("expected stored display name to update, got %q", stored.DisplayName)
	}
}

func TestResolveProfileRejectsEmptyClaims(t *testing.T) {
	service := newTestService(t, "file:users_empty?mode=memory&cache=shared")
	if _, err := service.ResolveProfile(context.Background(), auth.SessionClaims{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity error, got %v", err)
	}
}

func TestProfilePrincipals(t *testing.T) {
	profile := Profile{UserID: "u-1", Email: "Ada@Example.com"}
	principals := profile.Principals()
	if len(principals) != 2 || principals[0] != "u-1" || principals[1] != "ada@example.com" {
		t.Fatalf("unexpected principals: %v", principals)
	}
	if (Profile{UserID: "a@b.c", Email: "a@b.c"}).Principals()[0] != "a@b.c" {
		t.Fatalf("expected single principal when email equals user id")
	}
}

func TestResolveProfileKeepsDetailsWhenSessionOmitsThem(t *testing.T) {
	service := newTestService(t, "file:users_sparse?mode=memory&cache=shared")

	if _, err := service.ResolveProfile(context.Background(), auth.SessionClaims{UserID: "u-2", UserEmail: "ada@example.com", UserDisplayName: "Ada"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	service.profiles = make(map[loginKey]Profile)

	profile, err := service.ResolveProfile(context.Background(), auth.SessionClaims{UserID: "u-2"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if profile.Email != "ada@example.com" || profile.DisplayName != "Ada" {
		t.Fatalf("expected stored details to survive a sparse session, got %#v", profile)
	}
}

func TestLoginKeyFromClaims(t *testing.T) {
	cases := []struct {
		name     string
		claims   auth.SessionClaims
		expected loginKey
	}{
		{name: "provider-prefixed", claims: auth.SessionClaims{UserID: "google:42"}, expected: loginKey{provider: "google", subject: "42"}},
		{name: "bare-user-id", claims: auth.SessionClaims{UserID: "u-1"}, expected: loginKey{provider: defaultProvider, subject: "u-1"}},
		{name: "email-only", claims: auth.SessionClaims{UserEmail: "Ada@Example.com"}, expected: loginKey{provider: defaultProvider, subject: "ada@example.com"}},
		{name: "dangling-prefix", claims: auth.SessionClaims{UserID: "google:"}, expected: loginKey{provider: defaultProvider, subject: "google:"}},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			key, ok := loginKeyFromClaims(testCase.claims)
			if !ok || key != testCase.expected {
				t.Fatalf("expected %#v, got %#v (ok=%v)", testCase.expected, key, ok)
			}
		})
	}
}
