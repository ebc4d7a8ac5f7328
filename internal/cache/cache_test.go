package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	Count int `json:"count"`
}

func TestCache_SetGetInvalidate(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := New(client, "segment:size", time.Minute)
	ctx := context.Background()

	var got entry
	assert.True(t, errors.Is(c.Get(ctx, "s1", &got), ErrMiss))

	require.NoError(t, c.Set(ctx, "s1", entry{Count: 42}))
	assert.True(t, mr.Exists("segment:size:s1"))

	require.NoError(t, c.Get(ctx, "s1", &got))
	assert.Equal(t, 42, got.Count)

	require.NoError(t, c.Invalidate(ctx, "s1"))
	assert.True(t, errors.Is(c.Get(ctx, "s1", &got), ErrMiss))
}

func TestCache_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := New(client, "campaign", time.Minute)
	require.NoError(t, c.Set(context.Background(), "c1", entry{Count: 1}))

	mr.FastForward(2 * time.Minute)
	var got entry
	assert.ErrorIs(t, c.Get(context.Background(), "c1", &got), ErrMiss)
}

func TestCache_NilIsMiss(t *testing.T) {
	var c *Cache
	var got entry
	assert.ErrorIs(t, c.Get(context.Background(), "x", &got), ErrMiss)
	assert.NoError(t, c.Set(context.Background(), "x", got))
	assert.NoError(t, c.Invalidate(context.Background(), "x"))
}
