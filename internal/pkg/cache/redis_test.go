package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client), mr
}

func TestRedis_MissingKeyIsNil(t *testing.T) {
	c, _ := newTestCache(t)

	val, err := c.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestRedis_SetGetRemove(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, c.Remove(ctx, "k"))

	val, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, val)

	// Removing a missing key is not an error.
	assert.NoError(t, c.Remove(ctx, "k"))
}

func TestRedis_TTLExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 30*time.Second))

	mr.FastForward(31 * time.Second)

	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, val)
}
