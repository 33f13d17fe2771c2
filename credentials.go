package chatsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is the session token plus the identity of the current user.
type Credential struct {
	Token string
	User  IdentityHint
}

// CredentialProvider supplies the current credential on demand. An absent
// credential is reported as ErrMissingCredential.
type CredentialProvider interface {
	Credential(ctx context.Context) (Credential, error)
}

// StaticCredentials is a CredentialProvider with a fixed value. It can be
// replaced at runtime, for example after a token refresh.
type StaticCredentials struct {
	mu   sync.RWMutex
	cred Credential
}

// NewStaticCredentials creates a provider returning cred.
func NewStaticCredentials(cred Credential) *StaticCredentials {
	return &StaticCredentials{cred: cred}
}

// Set replaces the credential.
func (s *StaticCredentials) Set(cred Credential) {
	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()
}

// Credential implements CredentialProvider.
func (s *StaticCredentials) Credential(context.Context) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if strings.TrimSpace(s.cred.Token) == "" {
		return Credential{}, ErrMissingCredential
	}
	return s.cred, nil
}

// TokenCredentials derives the current user from the claims of a session
// JWT. The signature is not verified here; the server does that on every
// request.
type TokenCredentials struct {
	mu    sync.RWMutex
	token string
	now   func() time.Time
}

// NewTokenCredentials creates a provider for token.
func NewTokenCredentials(token string) *TokenCredentials {
	return &TokenCredentials{token: token, now: time.Now}
}

// SetToken replaces the session token.
func (t *TokenCredentials) SetToken(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

// Credential implements CredentialProvider. Expired or undecodable tokens
// are reported as ErrMissingCredential.
func (t *TokenCredentials) Credential(context.Context) (Credential, error) {
	t.mu.RLock()
	token := strings.TrimSpace(t.token)
	t.mu.RUnlock()
	if token == "" {
		return Credential{}, ErrMissingCredential
	}

	claims, err := ParseTokenClaims(token)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrMissingCredential, err)
	}
	if !claims.ExpiresAt.IsZero() && !t.now().Before(claims.ExpiresAt) {
		return Credential{}, fmt.Errorf("%w: token expired at %s", ErrMissingCredential, claims.ExpiresAt.Format(time.RFC3339))
	}
	return Credential{Token: token, User: claims.User}, nil
}

// TokenClaims is the subset of session token claims the SDK reads.
type TokenClaims struct {
	User      IdentityHint
	ExpiresAt time.Time
}

// ParseTokenClaims decodes the claims of a session JWT without verifying
// its signature.
func ParseTokenClaims(token string) (TokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenClaims{}, fmt.Errorf("decode token: %w", err)
	}

	var out TokenClaims
	sub, err := claims.GetSubject()
	if err != nil {
		return TokenClaims{}, fmt.Errorf("decode token subject: %w", err)
	}
	out.User.AccountID = sub
	out.User.Handle, _ = claims["preferred_username"].(string)
	out.User.Email, _ = claims["email"].(string)
	out.User.DisplayName, _ = claims["name"].(string)
	out.User.AvatarRef, _ = claims["picture"].(string)

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return TokenClaims{}, fmt.Errorf("decode token expiry: %w", err)
	}
	if exp != nil {
		out.ExpiresAt = exp.Time
	}

	if out.User.AccountID == "" && out.User.Handle == "" && out.User.Email == "" {
		return TokenClaims{}, fmt.Errorf("token carries no user identity")
	}
	return out, nil
}
