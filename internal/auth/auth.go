// Package auth implements authentication for AmityVox: session validation
// and username/password format validation. Registration, login, and
// the TOTP/WebAuthn enrollment flows that originally lived here are served
// by the REST API this build no longer carries; what remains is the part
// internal/federation depends on — extracting and validating the caller
// identity attached to a request context — plus the Service sessions are
// validated against, kept alive for RequireAuth/OptionalAuth.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/amityvox/internal/presence"
)

// Config configures a new Service.
type Config struct {
	Pool            *pgxpool.Pool
	Cache           *presence.Cache
	InstanceID      string
	SessionDuration time.Duration
	RegEnabled      bool
	InviteOnly      bool
	RequireEmail    bool
	Logger          *slog.Logger
}

// Service validates bearer-token sessions against the shared DragonflyDB
// session store. Sessions are written by the login flow; this build does
// not implement one, so ValidateSession only ever sees tokens created by a
// prior Phase-2 build sharing the same cache.
type Service struct {
	pool            *pgxpool.Pool
	cache           *presence.Cache
	instanceID      string
	sessionDuration time.Duration
	regEnabled      bool
	inviteOnly      bool
	requireEmail    bool
	logger          *slog.Logger
}

// NewService constructs a Service from cfg.
func NewService(cfg Config) *Service {
	return &Service{
		pool:            cfg.Pool,
		cache:           cfg.Cache,
		instanceID:      cfg.InstanceID,
		sessionDuration: cfg.SessionDuration,
		regEnabled:      cfg.RegEnabled,
		inviteOnly:      cfg.InviteOnly,
		requireEmail:    cfg.RequireEmail,
		logger:          cfg.Logger,
	}
}

// AuthError is a client-facing authentication error carrying the HTTP
// status and machine-readable code RequireAuth/OptionalAuth respond with.
type AuthError struct {
	Code    string
	Message string
	Status  int
}

func (e *AuthError) Error() string {
	return e.Message
}

// ValidateSession looks up token in the shared session store and returns
// the user ID it was issued to. Returns an *AuthError if the token is
// missing, expired, or malformed.
func (s *Service) ValidateSession(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", &AuthError{Code: "missing_token", Message: "session token is required", Status: 401}
	}
	if s.cache == nil {
		return "", &AuthError{Code: "internal_error", Message: "session store unavailable", Status: 500}
	}

	var data presence.SessionData
	found, err := s.cache.Get(ctx, presence.PrefixSession+token, &data)
	if err != nil {
		return "", &AuthError{Code: "internal_error", Message: "failed to look up session", Status: 500}
	}
	if !found {
		return "", &AuthError{Code: "invalid_session", Message: "session not found or expired", Status: 401}
	}
	if time.Now().After(data.ExpiresAt) {
		return "", &AuthError{Code: "session_expired", Message: "session has expired", Status: 401}
	}

	return data.UserID, nil
}

// validateUsername enforces the username shape every signup path in the
// teacher's retrieved tree agreed on: 2-32 chars, ASCII letters/digits/
// dot/underscore/hyphen only.
func validateUsername(username string) error {
	if len(username) < 2 || len(username) > 32 {
		return fmt.Errorf("username must be between 2 and 32 characters")
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return fmt.Errorf("username may only contain letters, digits, '.', '_', and '-'")
		}
	}
	return nil
}

// validatePassword enforces an 8-128 rune length bound.
func validatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	if n > 128 {
		return fmt.Errorf("password must be at most 128 characters")
	}
	return nil
}
