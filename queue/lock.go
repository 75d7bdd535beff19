package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Locker grants exclusive, non-blocking ownership of a key.
type Locker interface {
	// TryLock returns ok=false without error when another holder owns key.
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// SenderLockKey is the exclusion key that serializes jobs of one sender.
func SenderLockKey(senderID uint) string {
	return fmt.Sprintf("warmup:lock:sender:%d", senderID)
}

// LocalLocker serializes keys within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// compare-and-delete so an expired holder cannot release a successor's lock
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes keys across consumer processes with SET NX PX.
// The TTL bounds how long a crashed holder blocks the key.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%w: lock %s: %v", ErrQueueUnavailable, key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = releaseScript.Run(context.Background(), l.client, []string{key}, token).Err()
		})
	}, true, nil
}
