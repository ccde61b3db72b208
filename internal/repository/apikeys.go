package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tagsakay/server/internal/model"
)

type APIKeyRepo struct {
	pool *pgxpool.Pool
}

const apiKeyColumns = `
	id, name, device_id, description, secret_hash, prefix, permissions, kind,
	is_active, last_used_at, created_by, metadata, created_at, updated_at`

func (r *APIKeyRepo) Create(ctx context.Context, key model.APIKey) error {
	return insertAPIKey(ctx, r.pool, key)
}

func insertAPIKey(ctx context.Context, db execer, key model.APIKey) error {
	metadata := key.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := db.Exec(ctx, `
		INSERT INTO api_keys (
			id, name, device_id, description, secret_hash, prefix, permissions,
			kind, is_active, created_by, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, key.ID, key.Name, key.DeviceID, key.Description, key.SecretHash, key.Prefix,
		[]string(key.Permissions), key.Kind, key.IsActive, key.CreatedBy, metadata,
		key.CreatedAt, key.UpdatedAt)
	return wrapErr(err)
}

// GetByPrefixAndHash is the credential lookup: the (prefix, digest) pair is the
// sole means of authentication. Inactive keys do not resolve.
func (r *APIKeyRepo) GetByPrefixAndHash(ctx context.Context, prefix, secretHash string) (model.APIKey, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+apiKeyColumns+`
		FROM api_keys
		WHERE prefix = $1 AND secret_hash = $2 AND is_active = true
	`, prefix, secretHash)
	var key model.APIKey
	var permissions []string
	err := row.Scan(
		&key.ID,
		&key.Name,
		&key.DeviceID,
		&key.Description,
		&key.SecretHash,
		&key.Prefix,
		&permissions,
		&key.Kind,
		&key.IsActive,
		&key.LastUsedAt,
		&key.CreatedBy,
		&key.Metadata,
		&key.CreatedAt,
		&key.UpdatedAt,
	)
	key.Permissions = model.Permissions(permissions)
	return key, wrapErr(err)
}

func (r *APIKeyRepo) TouchLastUsed(ctx context.Context, keyID string, usedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET last_used_at = $1 WHERE id = $2
	`, usedAt, keyID)
	return wrapErr(err)
}

// UpdatePermissions persists a corrected permission set. Called by the auth
// gate's self-heal path for historical rows.
func (r *APIKeyRepo) UpdatePermissions(ctx context.Context, keyID string, permissions model.Permissions, now time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET permissions = $1, updated_at = $2 WHERE id = $3
	`, []string(permissions), now, keyID)
	return wrapErr(err)
}
