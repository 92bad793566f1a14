package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/noteroom/internal/auth"
	"gorm.io/gorm"
)

const defaultProvider = "default"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

var errMissingDatabase = errors.New("users: database connection required")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service maps login identities onto canonical noteroom users. Resolved
// profiles are memoized per login until the session carries new details.
type Service struct {
	db  *gorm.DB
	now func() time.Time

	mu       sync.RWMutex
	profiles map[loginKey]Profile
}

// loginKey identifies a login at an identity provider.
type loginKey struct {
	provider string
	subject  string
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:       cfg.Database,
		now:      clock,
		profiles: make(map[loginKey]Profile),
	}, nil
}

// ResolveProfile returns the canonical profile behind the session claims.
// The first login of a provider subject registers it; later logins refresh
// the stored email and display name when the session reports new ones.
func (s *Service) ResolveProfile(ctx context.Context, claims auth.SessionClaims) (Profile, error) {
	key, ok := loginKeyFromClaims(claims)
	if !ok {
		return Profile{}, ErrInvalidIdentity
	}
	reported := Profile{
		Email:       strings.ToLower(normalize(claims.UserEmail)),
		DisplayName: normalize(claims.UserDisplayName),
	}

	if known, ok := s.memoized(key); ok && !reported.changes(known) {
		return known, nil
	}

	var identity Identity
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.loadIdentity(tx, key)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			identity, err = s.registerIdentity(tx, key, reported)
			return err
		case err != nil:
			return err
		}
		identity, err = s.refreshIdentity(tx, found, reported)
		return err
	})
	if err != nil {
		return Profile{}, fmt.Errorf("users: resolve %s:%s: %w", key.provider, key.subject, err)
	}

	profile := identity.profile()
	s.memoize(key, profile)
	return profile, nil
}

func (s *Service) loadIdentity(tx *gorm.DB, key loginKey) (Identity, error) {
	var identity Identity
	err := tx.Where("provider = ? AND subject = ?", key.provider, key.subject).Take(&identity).Error
	return identity, err
}

func (s *Service) registerIdentity(tx *gorm.DB, key loginKey, reported Profile) (Identity, error) {
	identity := Identity{
		Provider:    key.provider,
		Subject:     key.subject,
		UserID:      key.subject,
		Email:       reported.Email,
		DisplayName: reported.DisplayName,
		LastSeenAt:  s.now(),
	}
	if err := tx.Create(&identity).Error; err != nil {
		return Identity{}, err
	}
	return identity, nil
}

// refreshIdentity records the latest login and any newly reported details.
// Blank reported values never erase stored ones.
func (s *Service) refreshIdentity(tx *gorm.DB, identity Identity, reported Profile) (Identity, error) {
	columns := map[string]interface{}{"last_seen_at": s.now()}
	if reported.Email != "" && reported.Email != identity.Email {
		columns["user_email"] = reported.Email
		identity.Email = reported.Email
	}
	if reported.DisplayName != "" && reported.DisplayName != identity.DisplayName {
		columns["user_display_name"] = reported.DisplayName
		identity.DisplayName = reported.DisplayName
	}
	err := tx.Model(&Identity{}).
		Where("provider = ? AND subject = ?", identity.Provider, identity.Subject).
		Updates(columns).Error
	return identity, err
}

func (s *Service) memoized(key loginKey) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.profiles[key]
	return profile, ok
}

func (s *Service) memoize(key loginKey, profile Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[key] = profile
}

// loginKeyFromClaims prefers a "provider:subject" user id, then the JWT
// subject, then the bare user id, then the email.
func loginKeyFromClaims(claims auth.SessionClaims) (loginKey, bool) {
	userID := normalize(claims.UserID)
	if provider, subject, found := strings.Cut(userID, ":"); found {
		provider, subject = normalize(provider), normalize(subject)
		if provider != "" && subject != "" {
			return loginKey{provider: provider, subject: subject}, true
		}
	}
	for _, candidate := range []string{claims.Subject, userID, strings.ToLower(claims.UserEmail)} {
		if subject := normalize(candidate); subject != "" {
			return loginKey{provider: defaultProvider, subject: subject}, true
		}
	}
	return loginKey{}, false
}
