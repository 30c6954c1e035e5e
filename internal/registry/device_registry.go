package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rackscale/factoryflow/internal/config"
	"github.com/rackscale/factoryflow/internal/flow"
)

// Locker serializes access to one device across concurrent independent
// flows. InProcessLocker is always available; RedisLocker is wired in only
// when configuration.variables.redis_addr is set, so a run that never sets
// it never dials Redis.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(context.Context) error, err error)
}

// DeviceRegistry lazily builds and caches DeviceHandles from the loaded
// configuration, and serializes concurrent access to a single device
// through a Locker.
type DeviceRegistry struct {
	cfg    *config.Configuration
	locker Locker

	mu    sync.Mutex
	cache map[string]*DeviceHandle
}

// NewDeviceRegistry builds a registry over cfg. If locker is nil an
// InProcessLocker is used.
func NewDeviceRegistry(cfg *config.Configuration, locker Locker) *DeviceRegistry {
	if locker == nil {
		locker = NewInProcessLocker()
	}

	return &DeviceRegistry{cfg: cfg, locker: locker, cache: make(map[string]*DeviceHandle)}
}

// Get returns the DeviceHandle for (deviceType, deviceID), building and
// caching it on first access.
func (r *DeviceRegistry) Get(deviceType flow.DeviceType, deviceID string) (*DeviceHandle, error) {
	key := cacheKey(deviceType, deviceID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if handle, ok := r.cache[key]; ok {
		return handle, nil
	}

	entry, ok := r.cfg.Connection[string(deviceType)][deviceID]
	if !ok {
		return nil, fmt.Errorf("no connection entry for %s %s", deviceType, deviceID)
	}

	class := map[string]any{}

	for className, block := range r.cfg.DeviceClasses[string(deviceType)] {
		class[className] = block
	}

	handle := &DeviceHandle{
		DeviceType: deviceType,
		DeviceID:   deviceID,
		Connection: entry,
		Class:      class,
	}

	r.cache[key] = handle

	return handle, nil
}

// Lock acquires exclusive access to (deviceType, deviceID) for the
// duration of one step's execution, delegating to the configured Locker.
func (r *DeviceRegistry) Lock(ctx context.Context, deviceType flow.DeviceType, deviceID string) (func(context.Context) error, error) {
	return r.locker.Lock(ctx, cacheKey(deviceType, deviceID))
}

func cacheKey(deviceType flow.DeviceType, deviceID string) string {
	return string(deviceType) + ":" + deviceID
}

// InProcessLocker serializes access with per-key mutexes; sufficient when
// only one factory_mode process ever runs against a given fleet at a time.
type InProcessLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewInProcessLocker() *InProcessLocker {
	return &InProcessLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *InProcessLocker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	l.mu.Lock()
	keyLock, ok := l.locks[key]

	if !ok {
		keyLock = &sync.Mutex{}
		l.locks[key] = keyLock
	}

	l.mu.Unlock()

	keyLock.Lock()

	return func(context.Context) error {
		keyLock.Unlock()

		return nil
	}, nil
}

// RedisLocker serializes device access across multiple factory_mode
// processes sharing one fleet, using a SETNX-with-TTL lease. Wired in only
// when configuration.variables.redis_addr names a reachable server.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker dials addr and returns a Locker backed by it.
func NewRedisLocker(addr string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	lockKey := "factoryflow:lock:" + key

	token := fmt.Sprintf("%d", time.Now().UnixNano())

	for {
		acquired, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}

		if acquired {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	return func(unlockCtx context.Context) error {
		current, err := l.client.Get(unlockCtx, lockKey).Result()
		if err != nil {
			return fmt.Errorf("redis unlock %s: %w", key, err)
		}

		if current != token {
			return nil
		}

		return l.client.Del(unlockCtx, lockKey).Err()
	}, nil
}

// Close releases the underlying Redis connection pool.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
