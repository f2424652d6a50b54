package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RelayPresence guards the one-relay-per-session invariant across gateway
// instances. A relay must acquire the session's presence key before streaming
// and releases it on teardown; the TTL bounds leakage if an instance dies
// without releasing.
type RelayPresence struct {
	rdb *redis.Client
	ttl time.Duration
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func NewRelayPresence(rdb *redis.Client, ttl time.Duration) *RelayPresence {
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &RelayPresence{rdb: rdb, ttl: ttl}
}

func presenceKey(sessionID string) string {
	return "relay:session:" + sessionID
}

// Acquire claims the session for relayID. It returns false when another relay
// already holds the session.
func (p *RelayPresence) Acquire(ctx context.Context, sessionID, relayID string) (bool, error) {
	ok, err := p.rdb.SetNX(ctx, presenceKey(sessionID), relayID, p.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire relay presence for session %s: %w", sessionID, err)
	}
	return ok, nil
}

// Release drops the claim if it is still held by relayID.
func (p *RelayPresence) Release(ctx context.Context, sessionID, relayID string) error {
	if _, err := releaseScript.Run(ctx, p.rdb, []string{presenceKey(sessionID)}, relayID).Result(); err != nil {
		return fmt.Errorf("release relay presence for session %s: %w", sessionID, err)
	}
	return nil
}
