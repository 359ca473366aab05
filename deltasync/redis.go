package deltasync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	// InMemory runs an embedded server instead of dialing Addr.
	InMemory     bool          `mapstructure:"in_memory" default:"false"`
	Addr         string        `mapstructure:"addr" default:"127.0.0.1:6379"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db" default:"0"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" default:"5s"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" default:"3s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" default:"3s"`
	KeyPrefix    string        `mapstructure:"key_prefix" default:"ultrasync:lastsync:"`
	TTL          time.Duration `mapstructure:"ttl" default:"0s"`
}

func (c RedisConfig) Options() *redis.Options {
	return &redis.Options{
		Addr:         c.Addr,
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	}
}

var (
	inMemoryRedisMu     sync.Mutex
	inMemoryRedisServer *miniredis.Miniredis
)

// NewRedisClient dials cfg.Addr, or a process-wide embedded server when
// cfg.InMemory is set.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	options := cfg.Options()
	if cfg.InMemory {
		addr, err := ensureInMemoryRedisAddr()
		if err != nil {
			return nil, err
		}
		options.Addr = addr
	}
	return redis.NewClient(options), nil
}

func ensureInMemoryRedisAddr() (string, error) {
	inMemoryRedisMu.Lock()
	defer inMemoryRedisMu.Unlock()

	if inMemoryRedisServer != nil {
		return inMemoryRedisServer.Addr(), nil
	}
	server, err := miniredis.Run()
	if err != nil {
		return "", err
	}
	inMemoryRedisServer = server
	return inMemoryRedisServer.Addr(), nil
}

// RedisStore keeps sync times as RFC 3339 strings under prefix+hash.
type RedisStore struct {
	client redis.StringCmdable
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client redis.StringCmdable, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context, hash string) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+hash).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("deltasync: load %s: %w", hash, err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("deltasync: parse %s: %w", hash, err)
	}
	return t, true, nil
}

func (s *RedisStore) Save(ctx context.Context, hash string, t time.Time) error {
	if err := s.client.Set(ctx, s.prefix+hash, t.UTC().Format(time.RFC3339Nano), s.ttl).Err(); err != nil {
		return fmt.Errorf("deltasync: save %s: %w", hash, err)
	}
	return nil
}
