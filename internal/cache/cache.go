// Package cache is the Redis-backed cache layer sitting in the hot path of
// authenticated requests and event dispatch. It holds time-bounded copies of
// user records keyed by token, a per-user existence flag, and the registry of
// live websocket session ids per user. No business logic lives here.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lapis-chat/lapis/internal/models"
	"github.com/lapis-chat/lapis/pkg/json"
	"github.com/lapis-chat/lapis/pkg/redis"
)

// EntryTTL bounds the staleness window of every user and existence entry,
// even if an invalidation is missed.
const EntryTTL = 300 * time.Second

const (
	schemeUserToken    = "user_token"
	schemeUserIDInteg  = "user_id_integ"
	schemeUserSessions = "user_sessions"
)

// Cache provides caching operations on top of the shared Redis client.
type Cache struct {
	client *redis.Client
	log    *zap.Logger
}

// New creates a new Cache instance.
func New(client *redis.Client, log *zap.Logger) *Cache {
	return &Cache{
		client: client,
		log:    log.With(zap.String("module", "cache")),
	}
}

// Client returns the underlying Redis client.
func (c *Cache) Client() *redis.Client {
	return c.client
}

func applyScheme(scheme, value string) string {
	return fmt.Sprintf("%s:%s", scheme, value)
}

// --- Users by token ---

// UserByToken returns the cached user for the given token, or nil when the
// entry was never cached or has expired. An error means the cache was
// unreachable and the caller must treat the result as unknown.
func (c *Cache) UserByToken(ctx context.Context, token string) (*models.AuthorizedUser, error) {
	data, err := c.client.Get(ctx, applyScheme(schemeUserToken, token)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		c.log.Error("failed to get cached user", zap.Error(err))
		return nil, fmt.Errorf("failed to get cached user: %w", err)
	}

	var user models.AuthorizedUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached user: %w", err)
	}
	return &user, nil
}

// SetUserByToken caches the given user under its token key.
//
// When update is true the write only happens if a value already exists for
// the key. This guards the populate-after-miss path against resurrecting a
// stale entry after a concurrent token rotation already evicted it.
func (c *Cache) SetUserByToken(ctx context.Context, user *models.AuthorizedUser, update bool) error {
	key := applyScheme(schemeUserToken, user.Token)
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	if update {
		err = c.client.SetXX(ctx, key, data, EntryTTL).Err()
	} else {
		err = c.client.Set(ctx, key, data, EntryTTL).Err()
	}
	if err != nil {
		c.log.Error("failed to cache user", zap.Error(err))
		return fmt.Errorf("failed to cache user: %w", err)
	}
	return nil
}

// DeleteUserByToken evicts the user entry for the given token.
func (c *Cache) DeleteUserByToken(ctx context.Context, token string) error {
	if err := c.client.Del(ctx, applyScheme(schemeUserToken, token)).Err(); err != nil {
		c.log.Error("failed to evict cached user", zap.Error(err))
		return fmt.Errorf("failed to evict cached user: %w", err)
	}
	return nil
}

// --- Users by ID ---

// UserIDExists reports whether the given user id references a live account.
// known is false when the flag is not cached; the caller must then consult
// the store and populate the flag. Infra errors also surface as unknown.
func (c *Cache) UserIDExists(ctx context.Context, userID string) (exists, known bool, err error) {
	val, err := c.client.Get(ctx, applyScheme(schemeUserIDInteg, userID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, false, nil
		}
		c.log.Error("failed to get existence flag", zap.String("user_id", userID), zap.Error(err))
		return false, false, fmt.Errorf("failed to get existence flag: %w", err)
	}
	return val != "0", true, nil
}

// SetUserIDExists stores the existence flag for a user id with the same TTL
// and conditional semantics as user entries.
func (c *Cache) SetUserIDExists(ctx context.Context, userID string, exists, update bool) error {
	key := applyScheme(schemeUserIDInteg, userID)
	val := "0"
	if exists {
		val = "1"
	}

	var err error
	if update {
		err = c.client.SetXX(ctx, key, val, EntryTTL).Err()
	} else {
		err = c.client.Set(ctx, key, val, EntryTTL).Err()
	}
	if err != nil {
		c.log.Error("failed to set existence flag", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("failed to set existence flag: %w", err)
	}
	return nil
}

// --- WebSocket sessions ---

// UserSessions returns the ids of the websocket sessions the user has,
// oldest first. A user with no cached sessions yields an empty slice.
func (c *Cache) UserSessions(ctx context.Context, userID string) ([]string, error) {
	data, err := c.client.Get(ctx, applyScheme(schemeUserSessions, userID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return []string{}, nil
		}
		c.log.Error("failed to get user sessions", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to get user sessions: %w", err)
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user sessions: %w", err)
	}
	return ids, nil
}

// InsertUserSession appends a session id to the user's session set.
func (c *Cache) InsertUserSession(ctx context.Context, userID, sessionID string) error {
	ids, err := c.UserSessions(ctx, userID)
	if err != nil {
		return err
	}
	ids = append(ids, sessionID)
	return c.writeSessions(ctx, userID, ids)
}

// DeleteUserSession removes a session id from the user's session set. It
// returns false when no session with that id was stored.
func (c *Cache) DeleteUserSession(ctx context.Context, userID, sessionID string) (bool, error) {
	ids, err := c.UserSessions(ctx, userID)
	if err != nil {
		return false, err
	}

	found := false
	out := ids[:0]
	for _, id := range ids {
		if !found && id == sessionID {
			found = true
			continue
		}
		out = append(out, id)
	}
	if !found {
		return false, nil
	}
	if err := c.writeSessions(ctx, userID, out); err != nil {
		return false, err
	}
	return true, nil
}

// ClearUserSessions removes all stored session ids for the given user.
func (c *Cache) ClearUserSessions(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, applyScheme(schemeUserSessions, userID)).Err(); err != nil {
		c.log.Error("failed to clear user sessions", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("failed to clear user sessions: %w", err)
	}
	return nil
}

func (c *Cache) writeSessions(ctx context.Context, userID string, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to marshal user sessions: %w", err)
	}
	if err := c.client.Set(ctx, applyScheme(schemeUserSessions, userID), data, 0).Err(); err != nil {
		c.log.Error("failed to set user sessions", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("failed to set user sessions: %w", err)
	}
	return nil
}
