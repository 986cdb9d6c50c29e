package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if the caller still owns it, so a lock
// that expired and was re-acquired elsewhere is never released by the old
// holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a redis-backed mutual exclusion guard for the periodic jobs.
// Multiple orchestrator replicas may run the same job; only the one holding
// the lock executes a scan.
type Lock struct {
	RDB *redis.Client
}

// Acquire takes the named lock for ttl. Returns ok=false without error when
// another holder has it. The returned release function is safe to call after
// expiry.
func (l Lock) Acquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, ok bool, err error) {
	key := "civicflow:lock:" + name
	token := uuid.New().String()
	ok, err = l.RDB.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	release = func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.RDB, []string{key}, token).Err()
	}
	return release, true, nil
}
