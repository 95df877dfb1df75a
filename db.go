package main

import (
	"context"
	"database/sql"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store interface for database operations
type Store interface {
	Init() error
	// Account operations
	UpsertAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, discordID string) (*Account, error)
	// Key operations
	FindActiveKey(ctx context.Context, ownerID string, tier Tier, now time.Time) (*Key, error)
	InsertKey(ctx context.Context, k *Key) error
	ReplaceFreeKey(ctx context.Context, k *Key) error
	FindKeyByValue(ctx context.Context, value string) (*Key, error)
	BindKeyExternalID(ctx context.Context, value, externalID string) (bool, error)
	ResetKeyBinding(ctx context.Context, ownerID string, now time.Time) (bool, error)
	// Admin operations
	ListKeysWithOwners(ctx context.Context) ([]*KeyWithOwner, error)
	DeleteKeyByValue(ctx context.Context, value string) error
}

// Memory store
type MemDB struct {
	mu       sync.Mutex
	accounts map[string]*Account
	keys     map[string]*Key
}

func NewMemoryDB() *MemDB {
	return &MemDB{accounts: map[string]*Account{}, keys: map[string]*Key{}}
}

func (m *MemDB) Init() error { return nil }

func (m *MemDB) UpsertAccount(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	cp := *a
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if prev, ok := m.accounts[a.DiscordID]; ok {
		cp.CreatedAt = prev.CreatedAt
	}
	m.accounts[a.DiscordID] = &cp
	return nil
}

func (m *MemDB) GetAccount(ctx context.Context, discordID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[discordID]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (m *MemDB) FindActiveKey(ctx context.Context, ownerID string, tier Tier, now time.Time) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []*Key
	for _, k := range m.keys {
		if k.OwnerDiscordID != ownerID || k.Tier != tier {
			continue
		}
		if tier == TierFree && k.Expired(now) {
			continue
		}
		matches = append(matches, k)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	if len(matches) > 1 {
		// should never happen; pick newest deterministically
		log.Printf("anomaly: account %s has %d active %s keys", ownerID, len(matches), tier)
		sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	}
	cp := *matches[0]
	return &cp, nil
}

func (m *MemDB) InsertKey(ctx context.Context, k *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(k)
}

func (m *MemDB) insertLocked(k *Key) error {
	if _, ok := m.keys[k.Value]; ok {
		return ErrConflict
	}
	// mirror the partial unique index: one perm key per owner
	if k.Tier == TierPerm {
		for _, old := range m.keys {
			if old.OwnerDiscordID == k.OwnerDiscordID && old.Tier == TierPerm {
				return ErrConflict
			}
		}
	}
	cp := *k
	m.keys[k.Value] = &cp
	return nil
}

func (m *MemDB) ReplaceFreeKey(ctx context.Context, k *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for v, old := range m.keys {
		if old.OwnerDiscordID == k.OwnerDiscordID && old.Tier == TierFree {
			delete(m.keys, v)
		}
	}
	return m.insertLocked(k)
}

func (m *MemDB) FindKeyByValue(ctx context.Context, value string) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[value]; ok {
		cp := *k
		return &cp, nil
	}
	return nil, nil
}

func (m *MemDB) BindKeyExternalID(ctx context.Context, value, externalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[value]
	if !ok || k.BoundExternalID != nil {
		return false, nil
	}
	id := externalID
	k.BoundExternalID = &id
	return true, nil
}

func (m *MemDB) ResetKeyBinding(ctx context.Context, ownerID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reset := false
	for _, k := range m.keys {
		if k.OwnerDiscordID == ownerID && k.Tier == TierPerm {
			k.BoundExternalID = nil
			t := now
			k.LastResetAt = &t
			reset = true
		}
	}
	return reset, nil
}

func (m *MemDB) ListKeysWithOwners(ctx context.Context) ([]*KeyWithOwner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*KeyWithOwner
	for _, k := range m.keys {
		row := &KeyWithOwner{Key: *k}
		if a, ok := m.accounts[k.OwnerDiscordID]; ok {
			row.OwnerUsername = a.Username
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemDB) DeleteKeyByValue(ctx context.Context, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[value]; !ok {
		return ErrNotFound
	}
	delete(m.keys, value)
	return nil
}

// SQLite store
type SQLiteDB struct {
	db   *sql.DB
	path string
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteDB{db: d, path: path}
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (discord_id TEXT PRIMARY KEY, username TEXT NOT NULL, avatar TEXT, tier TEXT NOT NULL, is_admin INTEGER NOT NULL DEFAULT 0, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS keys (value TEXT PRIMARY KEY, owner_id TEXT NOT NULL REFERENCES accounts(discord_id), tier TEXT NOT NULL, bound_external_id TEXT, expires_at INTEGER, last_reset_at INTEGER, created_at INTEGER NOT NULL);`,
		`CREATE INDEX IF NOT EXISTS idx_keys_owner ON keys(owner_id, tier);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_keys_owner_perm ON keys(owner_id) WHERE tier = 'perm';`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func sqliteIsUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func unixPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

func (s *SQLiteDB) UpsertAccount(ctx context.Context, a *Account) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts(discord_id,username,avatar,tier,is_admin,created_at,updated_at)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(discord_id) DO UPDATE SET username=excluded.username, avatar=excluded.avatar, tier=excluded.tier, is_admin=excluded.is_admin, updated_at=excluded.updated_at`,
		a.DiscordID, a.Username, a.Avatar, string(a.Tier), boolToInt(a.IsAdmin), now, now)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteDB) GetAccount(ctx context.Context, discordID string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT discord_id,username,avatar,tier,is_admin,created_at,updated_at FROM accounts WHERE discord_id = ?`, discordID)
	var a Account
	var avatar sql.NullString
	var isAdmin int
	var created, updated int64
	var tier string
	if err := row.Scan(&a.DiscordID, &a.Username, &avatar, &tier, &isAdmin, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if avatar.Valid {
		a.Avatar = &avatar.String
	}
	a.Tier = Tier(tier)
	a.IsAdmin = isAdmin != 0
	a.CreatedAt = time.Unix(created, 0).UTC()
	a.UpdatedAt = time.Unix(updated, 0).UTC()
	return &a, nil
}

func (s *SQLiteDB) scanKeys(rows *sql.Rows) ([]*Key, error) {
	var keys []*Key
	for rows.Next() {
		var k Key
		var bound sql.NullString
		var tier string
		var expires, lastReset sql.NullInt64
		var created int64
		if err := rows.Scan(&k.Value, &k.OwnerDiscordID, &tier, &bound, &expires, &lastReset, &created); err != nil {
			return nil, err
		}
		if bound.Valid {
			k.BoundExternalID = &bound.String
		}
		k.Tier = Tier(tier)
		k.ExpiresAt = timePtr(expires)
		k.LastResetAt = timePtr(lastReset)
		k.CreatedAt = time.Unix(created, 0).UTC()
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *SQLiteDB) FindActiveKey(ctx context.Context, ownerID string, tier Tier, now time.Time) (*Key, error) {
	q := `SELECT value,owner_id,tier,bound_external_id,expires_at,last_reset_at,created_at FROM keys WHERE owner_id = ? AND tier = ? ORDER BY created_at DESC`
	args := []interface{}{ownerID, string(tier)}
	if tier == TierFree {
		q = `SELECT value,owner_id,tier,bound_external_id,expires_at,last_reset_at,created_at FROM keys WHERE owner_id = ? AND tier = ? AND expires_at > ? ORDER BY created_at DESC`
		args = append(args, now.Unix())
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys, err := s.scanKeys(rows)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	if len(keys) > 1 {
		log.Printf("anomaly: account %s has %d active %s keys", ownerID, len(keys), tier)
	}
	return keys[0], nil
}

func (s *SQLiteDB) InsertKey(ctx context.Context, k *Key) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO keys(value,owner_id,tier,bound_external_id,expires_at,last_reset_at,created_at) VALUES(?,?,?,?,?,?,?)`,
		k.Value, k.OwnerDiscordID, string(k.Tier), k.BoundExternalID, unixPtr(k.ExpiresAt), unixPtr(k.LastResetAt), k.CreatedAt.Unix())
	if sqliteIsUnique(err) {
		return ErrConflict
	}
	return err
}

func (s *SQLiteDB) ReplaceFreeKey(ctx context.Context, k *Key) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM keys WHERE owner_id = ? AND tier = ?`, k.OwnerDiscordID, string(TierFree)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO keys(value,owner_id,tier,bound_external_id,expires_at,last_reset_at,created_at) VALUES(?,?,?,?,?,?,?)`,
		k.Value, k.OwnerDiscordID, string(k.Tier), k.BoundExternalID, unixPtr(k.ExpiresAt), unixPtr(k.LastResetAt), k.CreatedAt.Unix()); err != nil {
		if sqliteIsUnique(err) {
			return ErrConflict
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLiteDB) FindKeyByValue(ctx context.Context, value string) (*Key, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT value,owner_id,tier,bound_external_id,expires_at,last_reset_at,created_at FROM keys WHERE value = ?`, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys, err := s.scanKeys(rows)
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	return keys[0], nil
}

func (s *SQLiteDB) BindKeyExternalID(ctx context.Context, value, externalID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE keys SET bound_external_id = ? WHERE value = ? AND bound_external_id IS NULL`, externalID, value)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteDB) ResetKeyBinding(ctx context.Context, ownerID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE keys SET bound_external_id = NULL, last_reset_at = ? WHERE owner_id = ? AND tier = ?`, now.Unix(), ownerID, string(TierPerm))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteDB) ListKeysWithOwners(ctx context.Context) ([]*KeyWithOwner, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT k.value,k.owner_id,k.tier,k.bound_external_id,k.expires_at,k.last_reset_at,k.created_at,a.username
		FROM keys k JOIN accounts a ON a.discord_id = k.owner_id ORDER BY k.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*KeyWithOwner
	for rows.Next() {
		var k KeyWithOwner
		var bound sql.NullString
		var tier string
		var expires, lastReset sql.NullInt64
		var created int64
		if err := rows.Scan(&k.Value, &k.OwnerDiscordID, &tier, &bound, &expires, &lastReset, &created, &k.OwnerUsername); err != nil {
			return nil, err
		}
		if bound.Valid {
			k.BoundExternalID = &bound.String
		}
		k.Tier = Tier(tier)
		k.ExpiresAt = timePtr(expires)
		k.LastResetAt = timePtr(lastReset)
		k.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, &k)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) DeleteKeyByValue(ctx context.Context, value string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM keys WHERE value = ?`, value)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// lifecycle helpers
func (m *MemDB) close() error { return nil }
func (m *MemDB) ping() bool   { return true }

func (s *SQLiteDB) close() error { return s.db.Close() }
func (s *SQLiteDB) ping() bool   { return s.db.Ping() == nil }
