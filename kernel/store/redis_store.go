package store

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

// RedisOptions configures the redis backend.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	OpTimeout time.Duration
}

// RedisStore is the production Store: observation metadata lives in redis
// keys and alerts go out over redis pub/sub.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

func NewRedisStore(opts RedisOptions) *RedisStore {
	return NewRedisStoreFromClient(redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), opts.OpTimeout)
}

func NewRedisStoreFromClient(client *redis.Client, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &RedisStore{client: client, opTimeout: opTimeout}
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return errors.Wrapf(err, "redis SET %s", key)
	}
	pfxlog.Logger().Debugf("created redis key/value: %s --> %s", key, value)
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "redis GET %s", key)
	}
	return v, nil
}

func (s *RedisStore) ReplaceList(ctx context.Context, key string, values []string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(values) > 0 {
		args := make([]interface{}, len(values))
		for i, v := range values {
			args[i] = v
		}
		pipe.RPush(ctx, key, args...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "redis RPUSH %s", key)
	}
	pfxlog.Logger().Debugf("pushed to list: %s --> %v", key, values)
	return nil
}

func (s *RedisStore) GetList(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	values, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "redis LRANGE %s", key)
	}
	return values, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, errors.Wrapf(err, "redis EXISTS %s", key)
	}
	return n > 0, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "redis DEL")
	}
	return nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Publish(ctx, channel, message).Err(); err != nil {
		return errors.Wrapf(err, "redis PUBLISH %s", channel)
	}
	pfxlog.Logger().Debugf("published to %s --> %s", channel, message)
	return nil
}

// Subscribe waits for redis to confirm the subscription before returning, so
// a message published after Subscribe returns is never missed.
func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := s.client.Subscribe(ctx, channel)

	confirmCtx, cancel := s.opContext(ctx)
	defer cancel()
	if _, err := ps.Receive(confirmCtx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrapf(err, "redis SUBSCRIBE %s", channel)
	}

	sub := &redisSubscription{ps: ps, ch: make(chan string, 256), done: make(chan struct{})}
	go sub.pump()
	return sub, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisSubscription struct {
	ps   *redis.PubSub
	ch   chan string
	done chan struct{}
	once sync.Once
}

func (r *redisSubscription) pump() {
	defer close(r.ch)
	for msg := range r.ps.Channel() {
		select {
		case r.ch <- msg.Payload:
		case <-r.done:
			return
		}
	}
}

func (r *redisSubscription) Messages() <-chan string {
	return r.ch
}

func (r *redisSubscription) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		err = r.ps.Close()
	})
	return err
}
