package chat

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcore/linechat/internal/cache"
	"github.com/chatcore/linechat/internal/kvstore"
	"github.com/chatcore/linechat/internal/pool"
	"github.com/chatcore/linechat/internal/relstore"
)

func newTestPersistence(t *testing.T) *Persistence {
	t.Helper()

	relPool, err := pool.New(2, relstore.NewMemory().Dial())
	require.NoError(t, err)

	kvPool, err := pool.New(2, kvstore.NewMemory().Dial())
	require.NoError(t, err)

	engine := cache.NewEngine(kvPool, nil, 50, zerolog.Nop(), nil)
	return New(relPool, engine, zerolog.Nop())
}

func TestSaveAndGetHistoryPreserveApostrophesAndBackslashesVerbatim(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	texts := []string{
		"don't use C:\\path\\to\\thing",
		"it's a \\n literal, not a newline",
		`quote " and backslash \ together`,
	}
	for _, text := range texts {
		p.Save(ctx, 1, 7, "zara", text)
	}

	entries, err := p.GetHistory(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, len(texts))
	for i, text := range texts {
		assert.Equal(t, text, entries[i].Text, "message text must round-trip byte-for-byte, unescaped")
	}
}

func TestGetHistoryOrdersOldestFirst(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	p.Save(ctx, 2, 1, "alice", "first")
	p.Save(ctx, 2, 1, "alice", "second")
	p.Save(ctx, 2, 1, "alice", "third")

	entries, err := p.GetHistory(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{entries[0].Text, entries[1].Text, entries[2].Text})
	assert.Less(t, entries[0].ID, entries[1].ID)
	assert.Less(t, entries[1].ID, entries[2].ID)
}

func TestClampLimitDefaultsAndBounds(t *testing.T) {
	assert.Equal(t, 50, ClampLimit(0))
	assert.Equal(t, 1, ClampLimit(-5))
	assert.Equal(t, 200, ClampLimit(1000))
	assert.Equal(t, 30, ClampLimit(30))
}

func TestGetHistoryReturnsEmptyForRoomWithNoMessages(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	entries, err := p.GetHistory(ctx, 99, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
