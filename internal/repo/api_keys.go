package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"repchain/internal/domain"
)

// HashAPIKey returns the hex sha256 digest stored in place of raw keys.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (r *Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, k domain.APIKey) error {
	_, err := r.q(tx).ExecContext(ctx,
		`INSERT INTO api_keys(id,identity,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		k.ID, k.Identity, nullable(k.Name), k.KeyHash, k.CreatedAt)
	return err
}

func (r *Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id,identity,name,key_hash,created_at FROM api_keys WHERE key_hash=?`, hash)
	var k domain.APIKey
	var name sql.NullString
	err := row.Scan(&k.ID, &k.Identity, &name, &k.KeyHash, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	k.Name = name.String
	return k, nil
}

func (r *Repo) ListAPIKeys(ctx context.Context, identity string) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,identity,name,key_hash,created_at FROM api_keys WHERE identity=? ORDER BY created_at`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		var name sql.NullString
		if err := rows.Scan(&k.ID, &k.Identity, &name, &k.KeyHash, &k.CreatedAt); err != nil {
			return nil, err
		}
		k.Name = name.String
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *Repo) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
