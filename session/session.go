// Package session converts identity-provider credentials into server-side
// sessions.
//
// A session is an HS256-signed JWT carried in the __session cookie. There is
// no server-side session table: a session is valid exactly when its
// signature verifies, it has not expired and, when checked, it has not been
// destroyed.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xraph/tally"
	"github.com/xraph/tally/id"
)

// Session defaults.
const (
	DefaultTTL      = 5 * 24 * time.Hour
	DefaultIssuer   = "tally"
	DefaultAudience = "tally-session"
)

// Claims are the claims carried by a session token.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// SubjectID returns the identity provider's subject.
func (c *Claims) SubjectID() string { return c.Subject }

// IssuedTime returns the issue time, or the zero time when absent.
func (c *Claims) IssuedTime() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

// Session is a minted session artifact.
type Session struct {
	ID        string
	SubjectID string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Token     string
}

// Observer is notified about session lifecycle events.
type Observer interface {
	SessionCreated(ctx context.Context, s *Session)
	SessionDestroyed(ctx context.Context, subjectID string)
}

// Manager mints, verifies and destroys sessions.
type Manager struct {
	secret      []byte
	verifier    IdentityVerifier
	revocations RevocationChecker
	revoker     Revoker
	observer    Observer
	ttl         time.Duration
	issuer      string
	audience    string
	secure      bool
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithIssuer sets the iss and aud claims of minted sessions.
func WithIssuer(issuer, audience string) Option {
	return func(m *Manager) {
		if issuer != "" {
			m.issuer = issuer
		}
		if audience != "" {
			m.audience = audience
		}
	}
}

// WithRevocations installs a revocation store. When rs also implements
// Revoker, Destroy records revocations in it.
func WithRevocations(rs RevocationChecker) Option {
	return func(m *Manager) {
		m.revocations = rs
		if r, ok := rs.(Revoker); ok {
			m.revoker = r
		}
	}
}

// WithObserver installs a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithSecureCookie controls the Secure attribute of issued cookies. It is on
// by default.
func WithSecureCookie(secure bool) Option {
	return func(m *Manager) { m.secure = secure }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a Manager signing with secret and delegating credential
// checks to verifier.
func NewManager(secret []byte, verifier IdentityVerifier, opts ...Option) (*Manager, error) {
	if len(secret) == 0 {
		return nil, tally.ErrSessionSecretMissing
	}
	if verifier == nil {
		return nil, errors.New("session: identity verifier is required")
	}

	m := &Manager{
		secret:   append([]byte(nil), secret...),
		verifier: verifier,
		ttl:      DefaultTTL,
		issuer:   DefaultIssuer,
		audience: DefaultAudience,
		secure:   true,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// TTL returns the session lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Exchange verifies idToken with the identity provider and mints a session.
// It returns the session and the cookie that carries it.
func (m *Manager) Exchange(ctx context.Context, idToken string) (*Session, *http.Cookie, error) {
	idToken = strings.TrimSpace(idToken)
	if idToken == "" {
		return nil, nil, tally.ErrInvalidCredential
	}

	ident, err := m.verifier.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", tally.ErrInvalidCredential, err)
	}
	if ident == nil || ident.Subject == "" {
		return nil, nil, fmt.Errorf("%w: identity has no subject", tally.ErrInvalidCredential)
	}

	// JWT times have second precision.
	now := m.now().UTC().Truncate(time.Second)
	sess := &Session{
		ID:        id.NewSessionID().String(),
		SubjectID: ident.Subject,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sess.ID,
			Subject:   sess.SubjectID,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(sess.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
		Email: ident.Email,
		Name:  ident.Name,
	}
	sess.Token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, nil, fmt.Errorf("session: sign: %w", err)
	}

	m.logger.Debug("session created", "subject", sess.SubjectID, "session_id", sess.ID)
	if m.observer != nil {
		m.observer.SessionCreated(ctx, sess)
	}
	return sess, m.Cookie(sess.Token), nil
}

// Verify checks a session cookie value. It fails with tally.ErrUnauthorized
// when the value is absent, malformed, badly signed, expired or, with
// checkRevocation, revoked. It has no side effects.
func (m *Manager) Verify(ctx context.Context, cookieValue string, checkRevocation bool) (*Claims, error) {
	cookieValue = strings.TrimSpace(cookieValue)
	if cookieValue == "" {
		return nil, tally.ErrUnauthorized
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.now),
	)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(cookieValue, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tally.ErrUnauthorized, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: invalid session", tally.ErrUnauthorized)
	}

	if checkRevocation && m.revocations != nil {
		if claims.ID == "" {
			return nil, fmt.Errorf("%w: session has no id", tally.ErrUnauthorized)
		}
		if err := m.revocations.CheckRevoked(ctx, claims.ID); err != nil {
			// A revocation store failure fails closed.
			return nil, fmt.Errorf("%w: %w", tally.ErrUnauthorized, err)
		}
	}
	return claims, nil
}

// Destroy ends the session in cookieValue. It always returns the clearing
// cookie. When a Revoker is configured and the session verifies, that
// session is revoked until it expires, so copies of the cookie stop
// verifying; sessions minted later are unaffected. A revocation failure is
// returned alongside the cookie.
func (m *Manager) Destroy(ctx context.Context, cookieValue string) (*http.Cookie, error) {
	cleared := m.ClearCookie()

	claims, err := m.Verify(ctx, cookieValue, false)
	if err != nil {
		return cleared, nil
	}

	if m.revoker != nil && claims.ID != "" && claims.ExpiresAt != nil {
		if err := m.revoker.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
			m.logger.Error("session revoke failed", "subject", claims.Subject, "session_id", claims.ID, "error", err)
			return cleared, fmt.Errorf("session: revoke: %w", err)
		}
	}

	m.logger.Debug("session destroyed", "subject", claims.Subject, "session_id", claims.ID)
	if m.observer != nil {
		m.observer.SessionDestroyed(ctx, claims.Subject)
	}
	return cleared, nil
}
