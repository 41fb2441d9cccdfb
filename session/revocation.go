package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRevoked is returned by CheckRevoked for a session that was destroyed
// before it expired.
var ErrRevoked = errors.New("session: revoked")

// RevocationChecker reports whether a session, identified by its jti, is
// revoked.
type RevocationChecker interface {
	CheckRevoked(ctx context.Context, sessionID string) error
}

// Revoker revokes one session until its expiry. A revocation never covers a
// session minted later.
type Revoker interface {
	Revoke(ctx context.Context, sessionID string, expiresAt time.Time) error
}

// ──────────────────────────────────────────────────
// Memory
// ──────────────────────────────────────────────────

// MemoryRevocations keeps revocations in process memory.
type MemoryRevocations struct {
	mu      sync.RWMutex
	revoked map[string]time.Time
	now     func() time.Time
}

// NewMemoryRevocations creates an empty in-memory revocation store.
func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{revoked: make(map[string]time.Time), now: time.Now}
}

// Revoke records a revocation for sessionID, kept until expiresAt.
func (r *MemoryRevocations) Revoke(_ context.Context, sessionID string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for sid, exp := range r.revoked {
		if !exp.After(now) {
			delete(r.revoked, sid)
		}
	}
	r.revoked[sessionID] = expiresAt
	return nil
}

// CheckRevoked implements RevocationChecker.
func (r *MemoryRevocations) CheckRevoked(_ context.Context, sessionID string) error {
	r.mu.RLock()
	_, ok := r.revoked[sessionID]
	r.mu.RUnlock()
	if ok {
		return ErrRevoked
	}
	return nil
}

// Len returns the number of revocations held.
func (r *MemoryRevocations) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.revoked)
}

// ──────────────────────────────────────────────────
// Redis
// ──────────────────────────────────────────────────

// RedisRevocations keeps revocations in Redis under tally:revoked:{jti}.
// Each entry expires with the session it revokes.
type RedisRevocations struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisRevocations creates a Redis-backed revocation store.
func NewRedisRevocations(client redis.UniversalClient) *RedisRevocations {
	return &RedisRevocations{client: client, prefix: "tally:revoked:", now: time.Now}
}

// Key returns the Redis key holding sessionID's revocation.
func (r *RedisRevocations) Key(sessionID string) string {
	return r.prefix + sessionID
}

// Revoke records a revocation for sessionID that lives until expiresAt. An
// already expired session needs no entry.
func (r *RedisRevocations) Revoke(ctx context.Context, sessionID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.Key(sessionID), expiresAt.Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("session: redis revoke: %w", err)
	}
	return nil
}

// CheckRevoked implements RevocationChecker.
func (r *RedisRevocations) CheckRevoked(ctx context.Context, sessionID string) error {
	n, err := r.client.Exists(ctx, r.Key(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("session: redis check: %w", err)
	}
	if n > 0 {
		return ErrRevoked
	}
	return nil
}
