package nesting

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serialises scheduling runs of the same batch. Runs of different
// batches never block each other.
type Locker interface {
	Lock(ctx context.Context, batchID int64) (unlock func(), err error)
}

// LocalLocker serialises runs within one process. A batch keeps a slot only
// while some caller holds or waits for it.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[int64]*localSlot
}

type localSlot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker returns an in-process Locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[int64]*localSlot)}
}

// Lock blocks until the batch is free or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, batchID int64) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[batchID]
	if !ok {
		slot = &localSlot{ch: make(chan struct{}, 1)}
		l.slots[batchID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-slot.ch
				l.release(batchID, slot)
			})
		}, nil
	case <-ctx.Done():
		l.release(batchID, slot)
		return nil, fmt.Errorf("lock batch %d: %w", batchID, ctx.Err())
	}
}

func (l *LocalLocker) release(batchID int64, slot *localSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, batchID)
	}
}

// held reports how many batches currently have a slot.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// ErrLockLost is logged when a Redis lock expired before it was released.
var ErrLockLost = errors.New("batch lock expired before release")

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serialises runs across processes sharing one Redis. The lock
// expires after TTL so a crashed holder cannot block a batch forever.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	// OnLost is called when unlock finds the lock already expired. Optional.
	OnLost func(batchID int64, err error)
}

// NewRedisLocker connects to url (redis://...).
func NewRedisLocker(url string, ttl time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisLockerWithClient(redis.NewClient(opts), ttl), nil
}

// NewRedisLockerWithClient wraps an existing client.
func NewRedisLockerWithClient(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, prefix: "lpbf:lock:batch:", ttl: ttl, retry: 25 * time.Millisecond}
}

// Ping checks connectivity.
func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}

// Lock polls SET NX until it wins or ctx is done.
func (r *RedisLocker) Lock(ctx context.Context, batchID int64) (func(), error) {
	key := r.prefix + strconv.FormatInt(batchID, 10)
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return nil, fmt.Errorf("lock batch %d: %w", batchID, err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(r.retry):
		case <-ctx.Done():
			return nil, fmt.Errorf("lock batch %d: %w", batchID, ctx.Err())
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release even if the caller's context is already cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int()
			if err == nil && n == 0 {
				err = ErrLockLost
			}
			if err != nil && r.OnLost != nil {
				r.OnLost(batchID, err)
			}
		})
	}, nil
}
