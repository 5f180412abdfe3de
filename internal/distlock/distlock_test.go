package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcore/linechat/internal/kvstore"
	"github.com/chatcore/linechat/internal/pool"
)

func newTestPool(t *testing.T) *pool.Pool[kvstore.Conn] {
	t.Helper()
	mem := kvstore.NewMemory()
	p, err := pool.New(2, mem.Dial())
	require.NoError(t, err)
	return p
}

func TestTryLockOnlyOneOwnerWins(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	l1, ok1, err := TryLock(ctx, p, "room:1", time.Minute, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, ok1)

	_, ok2, err := TryLock(ctx, p, "room:1", time.Minute, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, ok2, "a second TryLock on the same key must fail while the first holds it")

	require.NoError(t, l1.Unlock(ctx))

	_, ok3, err := TryLock(ctx, p, "room:1", time.Minute, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, ok3, "after unlock the key must be acquirable again")
}

func TestUnlockOnlyReleasesIfStillOwner(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	l1, ok, err := TryLock(ctx, p, "k", time.Minute, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate a second instance taking over after expiry by forcing a
	// different owner id onto the same key.
	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	_, err = h.Value.Del(ctx, "k")
	require.NoError(t, err)
	h.Release()

	_, ok2, err := TryLock(ctx, p, "k", time.Minute, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, ok2)

	require.NoError(t, l1.Unlock(ctx))

	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	_, found, err := h2.Value.Get(ctx, "k")
	require.NoError(t, err)
	h2.Release()
	assert.True(t, found, "unlock by a stale owner must not delete a key now owned by someone else")
}

func TestWatchdogRenewsAndReportsLoss(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	l, ok, err := TryLock(ctx, p, "watched", 80*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, ok)
	l.StartWatchdog()
	defer l.StopWatchdog()

	time.Sleep(150 * time.Millisecond)

	select {
	case <-l.Lost():
		t.Fatal("watchdog must not report loss while it is successfully renewing")
	default:
	}

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	_, err = h.Value.Del(ctx, "watched")
	require.NoError(t, err)
	h.Release()

	select {
	case <-l.Lost():
	case <-time.After(time.Second):
		t.Fatal("watchdog did not detect ownership loss in time")
	}
}
