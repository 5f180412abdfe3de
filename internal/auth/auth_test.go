package auth

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcore/linechat/internal/cache"
	"github.com/chatcore/linechat/internal/kvstore"
	"github.com/chatcore/linechat/internal/pool"
	"github.com/chatcore/linechat/internal/relstore"
)

func newTestAuth(t *testing.T) *SessionAuth {
	t.Helper()

	relMem := relstore.NewMemory()
	relPool, err := pool.New(2, relMem.Dial())
	require.NoError(t, err)

	kvMem := kvstore.NewMemory()
	kvPool, err := pool.New(2, kvMem.Dial())
	require.NoError(t, err)

	engine := cache.NewEngine(kvPool, nil, 50, zerolog.Nop(), nil)
	return New(relPool, kvPool, engine, 1024, 30*time.Second)
}

func TestRegisterThenAuthenticateSucceeds(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()

	rec, err := a.Register(ctx, "13800000001", "alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Username)
	assert.NotZero(t, rec.ID)

	got, err := a.Authenticate(ctx, "alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()

	_, err := a.Register(ctx, "13800000002", "bob", "correct-horse")
	require.NoError(t, err)

	_, err = a.Authenticate(ctx, "bob", "wrong-password")
	assert.Error(t, err)
}

func TestRegisterRejectsDuplicateUsernameAndPhone(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()

	_, err := a.Register(ctx, "13800000003", "carol", "pw1")
	require.NoError(t, err)

	_, err = a.Register(ctx, "13800000004", "carol", "pw2")
	assert.Error(t, err, "duplicate username must be rejected")

	_, err = a.Register(ctx, "13800000003", "carol2", "pw3")
	assert.Error(t, err, "duplicate phone must be rejected")
}

func TestLoadByNameCachesAcrossCallsAndSurvivesDirectoryEviction(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()

	_, err := a.Register(ctx, "13800000005", "dave", "pw")
	require.NoError(t, err)

	rec, absent, err := a.LoadByName(ctx, "dave")
	require.NoError(t, err)
	require.False(t, absent)
	assert.Equal(t, "dave", rec.Username)

	// Second call should be served from the in-process directory tier.
	rec2, absent2, err := a.LoadByName(ctx, "dave")
	require.NoError(t, err)
	require.False(t, absent2)
	assert.Equal(t, rec.ID, rec2.ID)

	// Evict the in-process entry; the lookup must still resolve through the
	// KV tier.
	a.dir.delName("dave")
	rec3, absent3, err := a.LoadByName(ctx, "dave")
	require.NoError(t, err)
	require.False(t, absent3)
	assert.Equal(t, rec.ID, rec3.ID)
}

func TestLoadByNameReportsAbsentForUnknownUser(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()

	_, absent, err := a.LoadByName(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, absent)

	// A second lookup should hit the negative cache and still report absent.
	_, absent, err = a.LoadByName(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, absent)
}

func TestRenameInvalidatesOldNameAndServesNewName(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()

	rec, err := a.Register(ctx, "13800000006", "erin", "pw")
	require.NoError(t, err)

	oldName, phone, err := a.Rename(ctx, rec.ID, "erin2")
	require.NoError(t, err)
	assert.Equal(t, "erin", oldName)
	assert.Equal(t, "13800000006", phone)

	_, absent, err := a.LoadByName(ctx, "erin")
	require.NoError(t, err)
	assert.True(t, absent, "old name must no longer resolve")

	got, absent, err := a.LoadByName(ctx, "erin2")
	require.NoError(t, err)
	require.False(t, absent)
	assert.Equal(t, rec.ID, got.ID)
}

func TestRenameRejectsTakenUsername(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()

	_, err := a.Register(ctx, "13800000007", "frank", "pw")
	require.NoError(t, err)
	grace, err := a.Register(ctx, "13800000008", "grace", "pw")
	require.NoError(t, err)

	_, _, err = a.Rename(ctx, grace.ID, "frank")
	assert.Error(t, err)
}

func TestResetPasswordInvalidatesCacheAndAllowsNewPasswordLogin(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()

	rec, err := a.Register(ctx, "13800000009", "heidi", "oldpw")
	require.NoError(t, err)

	require.NoError(t, a.ResetPassword(ctx, "13800000009", "newpw"))

	_, err = a.Authenticate(ctx, "heidi", "oldpw")
	assert.Error(t, err, "old password must no longer authenticate")

	got, err := a.Authenticate(ctx, "heidi", "newpw")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
}

func TestAuthenticateMigratesLegacyPlaintextPassword(t *testing.T) {
	a := newTestAuth(t)
	ctx := context.Background()

	// Simulate a legacy row written before bcrypt digests existed: the
	// password column holds plaintext.
	conn, release, err := a.acquireRel(ctx)
	require.NoError(t, err)
	_, err = conn.Update(ctx, relstore.StmtInsertUser, "ivan", "13800000010", "plaintext-pw")
	release()
	require.NoError(t, err)

	rec, err := a.Authenticate(ctx, "ivan", "plaintext-pw")
	require.NoError(t, err)
	assert.Equal(t, "ivan", rec.Username)

	// The digest must now be a bcrypt hash, not the plaintext value, and a
	// second authenticate must still succeed against the same password.
	assert.NotEqual(t, "plaintext-pw", rec.Digest)
	_, err = a.Authenticate(ctx, "ivan", "plaintext-pw")
	assert.NoError(t, err)
}
