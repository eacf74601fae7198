package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLedgerLocked = errors.New("batch ledger is owned by another process")

// Locker grants single-owner access to the ledger. The returned func gives
// ownership back.
type Locker interface {
	Acquire(ctx context.Context) (release func(context.Context) error, err error)
}

// NoopLocker is used when no lock backend is configured.
type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLocker holds a SET NX PX key for as long as the ledger is open and
// refreshes it every third of its TTL.
type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisLocker(client *redis.Client, key string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{
		client: client,
		key:    key,
		ttl:    ttl,
		logger: slog.Default().With("component", "ledger-lock"),
	}
}

func (r *RedisLocker) Acquire(ctx context.Context) (func(context.Context) error, error) {
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire ledger lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: key %s", ErrLedgerLocked, r.key)
	}
	r.logger.Debug("Ledger lock acquired", "key", r.key)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.keepalive(token, stop)
	}()

	var once sync.Once
	release := func(ctx context.Context) error {
		var err error
		once.Do(func() {
			close(stop)
			wg.Wait()
			n, rerr := releaseScript.Run(ctx, r.client, []string{r.key}, token).Int()
			if rerr != nil {
				err = fmt.Errorf("failed to release ledger lock: %w", rerr)
				return
			}
			if n == 0 {
				r.logger.Warn("Ledger lock was lost before release", "key", r.key)
			}
		})
		return err
	}
	return release, nil
}

func (r *RedisLocker) keepalive(token string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			n, err := extendScript.Run(ctx, r.client, []string{r.key}, token, r.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				r.logger.Warn("Could not extend ledger lock", "key", r.key, "error", err)
				continue
			}
			if n == 0 {
				r.logger.Error("Ledger lock lost", "key", r.key)
				return
			}
		}
	}
}
