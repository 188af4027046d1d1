package legs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"dispo-voice/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// CachedRegistry is a read-through Redis cache in front of a Registry.
//
// The cache is never the source of truth: every write goes to the inner
// registry first and then invalidates the cached entry, and any Redis error
// falls through to the inner registry. TTL bounds staleness from webhook
// writes landing on other instances.
type CachedRegistry struct {
	inner Registry
	rdb   *redis.Client
	ttl   time.Duration
}

func NewCachedRegistry(inner Registry, rdb *redis.Client, ttl time.Duration) *CachedRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedRegistry{inner: inner, rdb: rdb, ttl: ttl}
}

func cacheKey(sessionID string) string {
	return "legs:session:" + sessionID
}

func (c *CachedRegistry) GetActiveLegs(ctx context.Context, sessionID string) (Session, error) {
	if sessionID == "" {
		return Session{}, ErrInvalidArgument
	}

	raw, err := c.rdb.Get(ctx, cacheKey(sessionID)).Bytes()
	if err == nil {
		var s Session
		if jsonErr := json.Unmarshal(raw, &s); jsonErr == nil {
			return s, nil
		}
		// Corrupt entry; drop it and fall through.
		_ = c.rdb.Del(ctx, cacheKey(sessionID)).Err()
	} else if !errors.Is(err, redis.Nil) {
		logger.From(ctx).Warn("leg cache read failed", "session_id", sessionID, "err", err)
	}

	s, err := c.inner.GetActiveLegs(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}

	if buf, jsonErr := json.Marshal(s); jsonErr == nil {
		if setErr := c.rdb.Set(ctx, cacheKey(sessionID), buf, c.ttl).Err(); setErr != nil {
			logger.From(ctx).Warn("leg cache write failed", "session_id", sessionID, "err", setErr)
		}
	}
	return s, nil
}

func (c *CachedRegistry) SetLeg(ctx context.Context, sessionID string, role Role, legID string) error {
	if err := c.inner.SetLeg(ctx, sessionID, role, legID); err != nil {
		return err
	}
	c.invalidate(ctx, sessionID)
	return nil
}

func (c *CachedRegistry) SetLegState(ctx context.Context, legID string, state LegState) error {
	if err := c.inner.SetLegState(ctx, legID, state); err != nil {
		return err
	}
	// Leg-keyed write; the session key is unknown here. Entries expire via
	// TTL, and state readers that need freshness read the inner registry.
	return nil
}

func (c *CachedRegistry) ClearSession(ctx context.Context, sessionID string) error {
	if err := c.inner.ClearSession(ctx, sessionID); err != nil {
		return err
	}
	c.invalidate(ctx, sessionID)
	return nil
}

func (c *CachedRegistry) invalidate(ctx context.Context, sessionID string) {
	if err := c.rdb.Del(ctx, cacheKey(sessionID)).Err(); err != nil {
		logger.From(ctx).Warn("leg cache invalidate failed", "session_id", sessionID, "err", err)
	}
}
