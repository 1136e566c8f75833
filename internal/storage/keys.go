package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/verigate/api-gate/internal/models"
)

// KeyRegistry is the durable store of API keys. Every read goes to the
// database: a stale copy would let an expired or deactivated key pass.
type KeyRegistry struct {
	db *sql.DB
}

// NewKeyRegistry creates a key registry backed by the store.
func NewKeyRegistry(s *Store) *KeyRegistry {
	return &KeyRegistry{db: s.db}
}

const keyColumns = `id, secret, owner_name, expiry_date, hit_limit, hits_used, allowed_origins, created_at, active`

// FindBySecret looks up a key by the secret callers present. Returns
// (nil, nil) when no such key exists.
func (r *KeyRegistry) FindBySecret(ctx context.Context, secret string) (*models.APIKey, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE secret = ?`, secret)
	return scanKey(row)
}

// FindByID looks up a key by its internal id. Returns (nil, nil) when no
// such key exists.
func (r *KeyRegistry) FindByID(ctx context.Context, id string) (*models.APIKey, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// Upsert inserts the key or overwrites every mutable field of the
// existing row. This is the administrative write path; request admission
// bumps the counter through IncrementHits instead.
func (r *KeyRegistry) Upsert(ctx context.Context, key *models.APIKey) error {
	origins, err := json.Marshal(key.AllowedOrigins)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed origins: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO api_keys (id, secret, owner_name, expiry_date, hit_limit, hits_used, allowed_origins, created_at, active)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	secret = excluded.secret,
	owner_name = excluded.owner_name,
	expiry_date = excluded.expiry_date,
	hit_limit = excluded.hit_limit,
	hits_used = excluded.hits_used,
	allowed_origins = excluded.allowed_origins,
	active = excluded.active`,
		key.ID, key.Secret, key.OwnerName, key.ExpiryDate, key.HitLimit,
		key.HitsUsed, string(origins), key.CreatedAt, key.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert key %s: %w", key.ID, err)
	}
	return nil
}

// IncrementHits bumps hits_used by exactly one as a single in-database
// statement, so concurrent admissions for the same key are all counted.
func (r *KeyRegistry) IncrementHits(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET hits_used = hits_used + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment hits for key %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("key %s no longer exists", id)
	}
	return nil
}

// Delete removes the key row. Returns false if no such id existed.
func (r *KeyRegistry) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete key %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListAll returns a full snapshot of the registry keyed by id, read
// straight from the database. Consumers treat it as advisory: per-key
// writes may interleave with the read.
func (r *KeyRegistry) ListAll(ctx context.Context) (map[string]*models.APIKey, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM api_keys`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]*models.APIKey)
	for rows.Next() {
		key, err := scanKeyRow(rows)
		if err != nil {
			return nil, err
		}
		keys[key.ID] = key
	}
	return keys, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row *sql.Row) (*models.APIKey, error) {
	key, err := scanKeyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return key, err
}

func scanKeyRow(row rowScanner) (*models.APIKey, error) {
	var key models.APIKey
	var origins string
	if err := row.Scan(&key.ID, &key.Secret, &key.OwnerName, &key.ExpiryDate,
		&key.HitLimit, &key.HitsUsed, &origins, &key.CreatedAt, &key.Active); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(origins), &key.AllowedOrigins); err != nil {
		return nil, fmt.Errorf("failed to decode allowed origins for key %s: %w", key.ID, err)
	}
	return &key, nil
}
