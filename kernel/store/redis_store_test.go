package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Second)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore_SetGet(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	require.NoError(t, s.Set(ctx, "current:obs:id", "array_1"))
	v, err := s.Get(ctx, "current:obs:id")
	require.NoError(t, err)
	assert.Equal(t, "array_1", v)

	raw, err := mr.Get("current:obs:id")
	require.NoError(t, err)
	assert.Equal(t, "array_1", raw)

	_, err = s.Get(ctx, "missing")
	assert.Equal(t, ErrNotFound, err)
}

func TestRedisStore_ReplaceList(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	require.NoError(t, s.ReplaceList(ctx, "p1:antennas", []string{"a1", "a2"}))
	require.NoError(t, s.ReplaceList(ctx, "p1:antennas", []string{"m000", "m001", "m002"}))

	list, err := s.GetList(ctx, "p1:antennas")
	require.NoError(t, err)
	assert.Equal(t, []string{"m000", "m001", "m002"}, list)

	raw, err := mr.List("p1:antennas")
	require.NoError(t, err)
	assert.Equal(t, []string{"m000", "m001", "m002"}, raw)

	require.NoError(t, s.ReplaceList(ctx, "p1:antennas", nil))
	ok, err := s.Exists(ctx, "p1:antennas")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_Delete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	require.NoError(t, s.Set(ctx, "a", "1"))
	require.NoError(t, s.Set(ctx, "b", "2"))
	require.NoError(t, s.Delete(ctx, "a", "b"))
	require.NoError(t, s.Delete(ctx))

	ok, err := s.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	sub, err := s.Subscribe(ctx, "alerts")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Publish(ctx, "alerts", "capture-init:p1"))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "capture-init:p1", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no alert received")
	}
}

func TestRedisStore_Unreachable(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), 500*time.Millisecond)
	defer s.Close()
	mr.Close()

	assert.Error(t, s.Set(ctx, "k", "v"))
	assert.Error(t, s.Publish(ctx, "alerts", "configure:p1"))
	assert.Error(t, s.Ping(ctx))
}
