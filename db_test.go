package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestSQLite(t *testing.T) *SQLiteDB {
	t.Helper()
	s, err := NewSQLiteDB(filepath.Join(t.TempDir(), "keyhub_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.close() })
	return s
}

func TestSQLiteUpsertAccount(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	avatar := "abc123"
	require.NoError(t, s.UpsertAccount(ctx, &Account{DiscordID: "d1", Username: "alice", Avatar: &avatar, Tier: TierFree}))

	got, err := s.GetAccount(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "alice", got.Username)
	require.Equal(t, TierFree, got.Tier)
	require.NotNil(t, got.Avatar)
	require.Equal(t, "abc123", *got.Avatar)
	require.False(t, got.IsAdmin)

	// re-login with a promoted role replaces the mutable fields
	require.NoError(t, s.UpsertAccount(ctx, &Account{DiscordID: "d1", Username: "alice2", Tier: TierPerm, IsAdmin: true}))
	got, err = s.GetAccount(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, "alice2", got.Username)
	require.Equal(t, TierPerm, got.Tier)
	require.True(t, got.IsAdmin)
	require.Nil(t, got.Avatar)

	missing, err := s.GetAccount(ctx, "nobody")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestSQLiteInsertKeyConflict(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpsertAccount(ctx, &Account{DiscordID: "d1", Username: "alice", Tier: TierPerm}))
	k := &Key{Value: "KeyHub-Perm-aaaa", OwnerDiscordID: "d1", Tier: TierPerm, CreatedAt: now}
	require.NoError(t, s.InsertKey(ctx, k))
	require.ErrorIs(t, s.InsertKey(ctx, k), ErrConflict)
}

func TestSQLiteSinglePermKeyPerOwner(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpsertAccount(ctx, &Account{DiscordID: "d1", Username: "alice", Tier: TierPerm}))
	require.NoError(t, s.InsertKey(ctx, &Key{Value: "KeyHub-Perm-one", OwnerDiscordID: "d1", Tier: TierPerm, CreatedAt: now}))

	// the partial unique index rejects a second perm key for the owner
	err := s.InsertKey(ctx, &Key{Value: "KeyHub-Perm-two", OwnerDiscordID: "d1", Tier: TierPerm, CreatedAt: now})
	require.ErrorIs(t, err, ErrConflict)

	// free keys for the same owner are unaffected
	live := now.Add(24 * time.Hour)
	require.NoError(t, s.InsertKey(ctx, &Key{Value: "KeyHub-Free-one", OwnerDiscordID: "d1", Tier: TierFree, ExpiresAt: &live, CreatedAt: now}))

	// another account can still get its own perm key
	require.NoError(t, s.UpsertAccount(ctx, &Account{DiscordID: "d2", Username: "bob", Tier: TierPerm}))
	require.NoError(t, s.InsertKey(ctx, &Key{Value: "KeyHub-Perm-other", OwnerDiscordID: "d2", Tier: TierPerm, CreatedAt: now}))
}

func TestMemSinglePermKeyPerOwner(t *testing.T) {
	m := NewMemoryDB()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, m.InsertKey(ctx, &Key{Value: "KeyHub-Perm-one", OwnerDiscordID: "d1", Tier: TierPerm, CreatedAt: now}))
	err := m.InsertKey(ctx, &Key{Value: "KeyHub-Perm-two", OwnerDiscordID: "d1", Tier: TierPerm, CreatedAt: now})
	require.ErrorIs(t, err, ErrConflict)
}

func TestMemUpsertAccountTimestamps(t *testing.T) {
	m := NewMemoryDB()
	ctx := context.Background()

	require.NoError(t, m.UpsertAccount(ctx, &Account{DiscordID: "d1", Username: "alice", Tier: TierFree}))
	first, err := m.GetAccount(ctx, "d1")
	require.NoError(t, err)
	require.False(t, first.CreatedAt.IsZero())
	require.False(t, first.UpdatedAt.IsZero())

	require.NoError(t, m.UpsertAccount(ctx, &Account{DiscordID: "d1", Username: "alice", Tier: TierPerm}))
	second, err := m.GetAccount(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, first.CreatedAt, second.CreatedAt, "created_at survives re-login")
	require.False(t, second.UpdatedAt.Before(first.UpdatedAt))
}

func TestSQLiteFindActiveKey(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpsertAccount(ctx, &Account{DiscordID: "d1", Username: "alice", Tier: TierFree}))

	expired := now.Add(-time.Hour)
	live := now.Add(time.Hour)
	require.NoError(t, s.InsertKey(ctx, &Key{Value: "KeyHub-Free-old", OwnerDiscordID: "d1", Tier: TierFree, ExpiresAt: &expired, CreatedAt: now.Add(-2 * time.Hour)}))

	// expired rows are invisible to FindActiveKey for free tier
	got, err := s.FindActiveKey(ctx, "d1", TierFree, now)
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, s.InsertKey(ctx, &Key{Value: "KeyHub-Free-new", OwnerDiscordID: "d1", Tier: TierFree, ExpiresAt: &live, CreatedAt: now}))
	got, err = s.FindActiveKey(ctx, "d1", TierFree, now)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "KeyHub-Free-new", got.Value)
	require.Equal(t, live.Unix(), got.ExpiresAt.Unix())

	// perm lookup ignores the free rows
	got, err = s.FindActiveKey(ctx, "d1", TierPerm, now)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSQLiteReplaceFreeKey(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	live := now.Add(24 * time.Hour)

	require.NoError(t, s.UpsertAccount(ctx, &Account{DiscordID: "d1", Username: "alice", Tier: TierFree}))
	require.NoError(t, s.InsertKey(ctx, &Key{Value: "KeyHub-Free-one", OwnerDiscordID: "d1", Tier: TierFree, ExpiresAt: &live, CreatedAt: now}))
	require.NoError(t, s.InsertKey(ctx, &Key{Value: "KeyHub-Perm-keep", OwnerDiscordID: "d1", Tier: TierPerm, CreatedAt: now}))

	require.NoError(t, s.ReplaceFreeKey(ctx, &Key{Value: "KeyHub-Free-two", OwnerDiscordID: "d1", Tier: TierFree, ExpiresAt: &live, CreatedAt: now}))

	gone, err := s.FindKeyByValue(ctx, "KeyHub-Free-one")
	require.NoError(t, err)
	require.Nil(t, gone)

	kept, err := s.FindKeyByValue(ctx, "KeyHub-Perm-keep")
	require.NoError(t, err)
	require.NotNil(t, kept, "replace must only touch free keys")

	current, err := s.FindActiveKey(ctx, "d1", TierFree, now)
	require.NoError(t, err)
	require.Equal(t, "KeyHub-Free-two", current.Value)
}

func TestSQLiteBindAndReset(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpsertAccount(ctx, &Account{DiscordID: "d1", Username: "alice", Tier: TierPerm}))
	require.NoError(t, s.InsertKey(ctx, &Key{Value: "KeyHub-Perm-bind", OwnerDiscordID: "d1", Tier: TierPerm, CreatedAt: now}))

	ok, err := s.BindKeyExternalID(ctx, "KeyHub-Perm-bind", "roblox123")
	require.NoError(t, err)
	require.True(t, ok)

	// second bind is a no-op: the guard condition fails
	ok, err = s.BindKeyExternalID(ctx, "KeyHub-Perm-bind", "roblox999")
	require.NoError(t, err)
	require.False(t, ok)

	k, err := s.FindKeyByValue(ctx, "KeyHub-Perm-bind")
	require.NoError(t, err)
	require.Equal(t, "roblox123", *k.BoundExternalID)

	ok, err = s.ResetKeyBinding(ctx, "d1", now)
	require.NoError(t, err)
	require.True(t, ok)

	k, err = s.FindKeyByValue(ctx, "KeyHub-Perm-bind")
	require.NoError(t, err)
	require.Nil(t, k.BoundExternalID)
	require.Equal(t, now.Unix(), k.LastResetAt.Unix())

	// nothing to reset for an account without a perm key
	ok, err = s.ResetKeyBinding(ctx, "nobody", now)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteListAndDelete(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpsertAccount(ctx, &Account{DiscordID: "d1", Username: "alice", Tier: TierPerm}))
	require.NoError(t, s.UpsertAccount(ctx, &Account{DiscordID: "d2", Username: "bob", Tier: TierFree}))
	require.NoError(t, s.InsertKey(ctx, &Key{Value: "KeyHub-Perm-a", OwnerDiscordID: "d1", Tier: TierPerm, CreatedAt: now.Add(-time.Minute)}))
	live := now.Add(24 * time.Hour)
	require.NoError(t, s.InsertKey(ctx, &Key{Value: "KeyHub-Free-b", OwnerDiscordID: "d2", Tier: TierFree, ExpiresAt: &live, CreatedAt: now}))

	rows, err := s.ListKeysWithOwners(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// newest first
	require.Equal(t, "KeyHub-Free-b", rows[0].Value)
	require.Equal(t, "bob", rows[0].OwnerUsername)
	require.Equal(t, "KeyHub-Perm-a", rows[1].Value)
	require.Equal(t, "alice", rows[1].OwnerUsername)

	require.NoError(t, s.DeleteKeyByValue(ctx, "KeyHub-Free-b"))
	require.ErrorIs(t, s.DeleteKeyByValue(ctx, "KeyHub-Free-b"), ErrNotFound)

	// account rows untouched by key deletion
	acct, err := s.GetAccount(ctx, "d2")
	require.NoError(t, err)
	require.NotNil(t, acct)
}

// The lifecycle service behaves identically over the SQL adapter.
func TestServiceOverSQLite(t *testing.T) {
	s := newTestSQLite(t)
	svc := NewKeyService(s, &fakeOracle{completed: true})
	ctx := context.Background()

	require.NoError(t, s.UpsertAccount(ctx, &Account{DiscordID: "p", Username: "p", Tier: TierPerm}))
	require.NoError(t, s.UpsertAccount(ctx, &Account{DiscordID: "f", Username: "f", Tier: TierFree}))

	issued, err := svc.GetOrIssueKey(ctx, "p", TierPerm)
	require.NoError(t, err)
	again, err := svc.GetOrIssueKey(ctx, "p", TierPerm)
	require.NoError(t, err)
	require.Equal(t, issued.Key.Value, again.Key.Value)

	claimed, err := svc.ClaimFreeKey(ctx, "f", TierFree)
	require.NoError(t, err)
	require.NotNil(t, claimed.Key.ExpiresAt)

	_, err = svc.VerifyKey(ctx, issued.Key.Value, "roblox123")
	require.NoError(t, err)
	_, err = svc.VerifyKey(ctx, issued.Key.Value, "roblox999")
	require.ErrorIs(t, err, ErrForbidden)
}
