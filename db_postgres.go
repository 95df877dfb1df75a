package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/lib/pq"
)

type PostgresDB struct {
	db  *sql.DB
	dsn string
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresDB{db: d, dsn: dsn}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init() error {
	// rely on migrations to create tables; just verify connectivity
	if err := p.db.Ping(); err != nil {
		return err
	}
	return nil
}

func pgIsUnique(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresDB) UpsertAccount(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO accounts(discord_id,username,avatar,tier,is_admin,created_at,updated_at)
		VALUES($1,$2,$3,$4,$5,now(),now())
		ON CONFLICT(discord_id) DO UPDATE SET username=EXCLUDED.username, avatar=EXCLUDED.avatar, tier=EXCLUDED.tier, is_admin=EXCLUDED.is_admin, updated_at=now()`,
		a.DiscordID, a.Username, a.Avatar, string(a.Tier), a.IsAdmin)
	return err
}

func (p *PostgresDB) GetAccount(ctx context.Context, discordID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT discord_id,username,avatar,tier,is_admin,created_at,updated_at FROM accounts WHERE discord_id = $1`, discordID)
	var a Account
	var avatar sql.NullString
	var tier string
	if err := row.Scan(&a.DiscordID, &a.Username, &avatar, &tier, &a.IsAdmin, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if avatar.Valid {
		a.Avatar = &avatar.String
	}
	a.Tier = Tier(tier)
	return &a, nil
}

func scanPgKey(row interface{ Scan(...interface{}) error }, k *Key) error {
	var bound sql.NullString
	var tier string
	var expires, lastReset sql.NullTime
	if err := row.Scan(&k.Value, &k.OwnerDiscordID, &tier, &bound, &expires, &lastReset, &k.CreatedAt); err != nil {
		return err
	}
	if bound.Valid {
		k.BoundExternalID = &bound.String
	}
	k.Tier = Tier(tier)
	if expires.Valid {
		t := expires.Time
		k.ExpiresAt = &t
	}
	if lastReset.Valid {
		t := lastReset.Time
		k.LastResetAt = &t
	}
	return nil
}

func (p *PostgresDB) FindActiveKey(ctx context.Context, ownerID string, tier Tier, now time.Time) (*Key, error) {
	q := `SELECT value,owner_id,tier,bound_external_id,expires_at,last_reset_at,created_at FROM keys WHERE owner_id = $1 AND tier = $2 ORDER BY created_at DESC`
	args := []interface{}{ownerID, string(tier)}
	if tier == TierFree {
		q = `SELECT value,owner_id,tier,bound_external_id,expires_at,last_reset_at,created_at FROM keys WHERE owner_id = $1 AND tier = $2 AND expires_at > $3 ORDER BY created_at DESC`
		args = append(args, now)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []*Key
	for rows.Next() {
		var k Key
		if err := scanPgKey(rows, &k); err != nil {
			return nil, err
		}
		keys = append(keys, &k)
	}
	if err := rows.Err(); err != nil {
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

func (p *PostgresDB) InsertKey(ctx context.Context, k *Key) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO keys(value,owner_id,tier,bound_external_id,expires_at,last_reset_at,created_at) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		k.Value, k.OwnerDiscordID, string(k.Tier), k.BoundExternalID, k.ExpiresAt, k.LastResetAt, k.CreatedAt)
	if pgIsUnique(err) {
		return ErrConflict
	}
	return err
}

func (p *PostgresDB) ReplaceFreeKey(ctx context.Context, k *Key) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM keys WHERE owner_id = $1 AND tier = $2`, k.OwnerDiscordID, string(TierFree)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO keys(value,owner_id,tier,bound_external_id,expires_at,last_reset_at,created_at) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		k.Value, k.OwnerDiscordID, string(k.Tier), k.BoundExternalID, k.ExpiresAt, k.LastResetAt, k.CreatedAt); err != nil {
		if pgIsUnique(err) {
			return ErrConflict
		}
		return err
	}
	return tx.Commit()
}

func (p *PostgresDB) FindKeyByValue(ctx context.Context, value string) (*Key, error) {
	row := p.db.QueryRowContext(ctx, `SELECT value,owner_id,tier,bound_external_id,expires_at,last_reset_at,created_at FROM keys WHERE value = $1`, value)
	var k Key
	if err := scanPgKey(row, &k); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &k, nil
}

func (p *PostgresDB) BindKeyExternalID(ctx context.Context, value, externalID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE keys SET bound_external_id = $1 WHERE value = $2 AND bound_external_id IS NULL`, externalID, value)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresDB) ResetKeyBinding(ctx context.Context, ownerID string, now time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE keys SET bound_external_id = NULL, last_reset_at = $1 WHERE owner_id = $2 AND tier = $3`, now, ownerID, string(TierPerm))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresDB) ListKeysWithOwners(ctx context.Context) ([]*KeyWithOwner, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT k.value,k.owner_id,k.tier,k.bound_external_id,k.expires_at,k.last_reset_at,k.created_at,a.username
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
		var expires, lastReset sql.NullTime
		if err := rows.Scan(&k.Value, &k.OwnerDiscordID, &tier, &bound, &expires, &lastReset, &k.CreatedAt, &k.OwnerUsername); err != nil {
			return nil, err
		}
		if bound.Valid {
			k.BoundExternalID = &bound.String
		}
		k.Tier = Tier(tier)
		if expires.Valid {
			t := expires.Time
			k.ExpiresAt = &t
		}
		if lastReset.Valid {
			t := lastReset.Time
			k.LastResetAt = &t
		}
		out = append(out, &k)
	}
	return out, rows.Err()
}

func (p *PostgresDB) DeleteKeyByValue(ctx context.Context, value string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM keys WHERE value = $1`, value)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresDB) close() error { return p.db.Close() }
func (p *PostgresDB) ping() bool   { return p.db.Ping() == nil }
