package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetWithinAndAfterTTL(t *testing.T) {
	ctx := context.Background()
	conn, err := NewMemory().Dial()()
	require.NoError(t, err)

	require.NoError(t, conn.Set(ctx, "k", "v", 50*time.Millisecond))
	v, found, err := conn.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", v)

	time.Sleep(120 * time.Millisecond)
	_, found, err = conn.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetNxExOnlyFirstWins(t *testing.T) {
	ctx := context.Background()
	conn, _ := NewMemory().Dial()()

	ok, err := conn.SetNxEx(ctx, "lock", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = conn.SetNxEx(ctx, "lock", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIncrByAccumulates(t *testing.T) {
	ctx := context.Background()
	conn, _ := NewMemory().Dial()()

	v, err := conn.IncrBy(ctx, "seq", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	v, err = conn.IncrBy(ctx, "seq", 5)
	require.NoError(t, err)
	assert.EqualValues(t, 6, v)
}

func TestEvalOwnerMatchDelete(t *testing.T) {
	ctx := context.Background()
	conn, _ := NewMemory().Dial()()

	require.NoError(t, conn.Set(ctx, "lock:x", "owner-1", time.Minute))

	n, err := conn.Eval(ctx, "owner-delete", []string{"lock:x"}, "owner-2")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	_, found, _ := conn.Get(ctx, "lock:x")
	assert.True(t, found)

	n, err = conn.Eval(ctx, "owner-delete", []string{"lock:x"}, "owner-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, found, _ = conn.Get(ctx, "lock:x")
	assert.False(t, found)
}
