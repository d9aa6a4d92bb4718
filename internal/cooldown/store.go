// Package cooldown tracks per-user execution embargoes in redis. A captcha
// or security checkpoint on any of a user's jobs pauses every job for that
// user until the TTL expires, so the automation does not hammer a flagged
// account.
package cooldown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "outrider:user_cooldown:"

type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func userKey(userID uint) string {
	return fmt.Sprintf("%s%d", keyPrefix, userID)
}

// Trigger places the user under cooldown for the given duration, recording
// the reason for operator inspection. A repeated trigger extends the TTL.
func (s *Store) Trigger(ctx context.Context, userID uint, reason string, duration time.Duration) error {
	if err := s.client.SetEx(ctx, userKey(userID), reason, duration).Err(); err != nil {
		return fmt.Errorf("set user cooldown: %w", err)
	}
	log.Warn("user placed under cooldown", "user_id", userID, "reason", reason, "duration", duration)
	return nil
}

// Active reports whether the user is currently under cooldown, with the
// stored reason and remaining duration when they are.
func (s *Store) Active(ctx context.Context, userID uint) (bool, string, time.Duration, error) {
	key := userKey(userID)

	reason, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, "", 0, nil
		}
		return false, "", 0, fmt.Errorf("get user cooldown: %w", err)
	}

	remaining, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return true, reason, 0, fmt.Errorf("get cooldown ttl: %w", err)
	}
	return true, reason, remaining, nil
}

// Clear lifts a cooldown early, for manual operator intervention.
func (s *Store) Clear(ctx context.Context, userID uint) error {
	if err := s.client.Del(ctx, userKey(userID)).Err(); err != nil {
		return fmt.Errorf("clear user cooldown: %w", err)
	}
	log.Info("user cooldown cleared", "user_id", userID)
	return nil
}
