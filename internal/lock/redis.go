package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "obf-bridge:lock:"

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another process is never released by us
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisConfig configures the Redis locker
type RedisConfig struct {
	Addr     string
	Password string
	Database int
	// TTL bounds how long a crashed holder can block others
	TTL time.Duration
	// RetryInterval is the polling period while waiting for a held lock
	RetryInterval time.Duration
}

// Redis is a Locker backed by SET NX PX
type Redis struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	logger        *logrus.Logger
}

// NewRedis connects to Redis and returns a locker
func NewRedis(cfg RedisConfig, logger *logrus.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.Database,
		PoolSize: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisWithClient(client, cfg.TTL, cfg.RetryInterval, logger), nil
}

// NewRedisWithClient wraps an existing client
func NewRedisWithClient(client *redis.Client, ttl, retryInterval time.Duration, logger *logrus.Logger) *Redis {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if retryInterval <= 0 {
		retryInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Redis{
		client:        client,
		ttl:           ttl,
		retryInterval: retryInterval,
		logger:        logger,
	}
}

// Acquire polls until the key is set by us or ctx is done
func (r *Redis) Acquire(ctx context.Context, name string) (Unlock, error) {
	key := keyPrefix + name
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, errors.Join(ErrNotAcquired, ctx.Err())
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
		}
		if ok {
			r.logger.WithField("lock", name).Debug("Lock acquired")
			return r.unlockFunc(key, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Redis) unlockFunc(key, token string) Unlock {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		n, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		if n == 0 {
			r.logger.WithField("lock", key).Warn("Lock expired before release")
		}
		return nil
	}
}

// Health checks the Redis connection health
func (r *Redis) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	return r.client.Close()
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
