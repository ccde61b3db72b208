package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tagsakay/server/internal/model"
)

type TagRepo struct {
	pool *pgxpool.Pool
}

const tagColumns = `
	id, tag_id, user_id, is_active, last_scanned, last_device_id,
	registered_by, metadata, created_at, updated_at`

func (r *TagRepo) Create(ctx context.Context, tag model.Tag) error {
	metadata := tag.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO rfid_tags (
			id, tag_id, user_id, is_active, registered_by, metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, tag.ID, tag.TagID, tag.UserID, tag.IsActive, tag.RegisteredBy, metadata,
		tag.CreatedAt, tag.UpdatedAt)
	return wrapErr(err)
}

func (r *TagRepo) GetByTagID(ctx context.Context, tagID string) (model.Tag, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+tagColumns+` FROM rfid_tags WHERE tag_id = $1`, tagID)
	return scanTag(row)
}

func (r *TagRepo) ListTagIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT tag_id FROM rfid_tags`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr(err)
		}
		ids = append(ids, id)
	}
	return ids, wrapErr(rows.Err())
}

// SetActive updates the activity flag and replaces metadata, which carries the
// status-change audit trail.
func (r *TagRepo) SetActive(ctx context.Context, tagID string, isActive bool, metadata map[string]string, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE rfid_tags SET is_active = $1, metadata = $2, updated_at = $3 WHERE tag_id = $4
	`, isActive, metadata, now, tagID)
	if err != nil {
		return wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *TagRepo) MarkScanned(ctx context.Context, tagID, deviceID string, when time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE rfid_tags
		SET last_scanned = $1, last_device_id = $2, updated_at = $1
		WHERE tag_id = $3
	`, when, deviceID, tagID)
	if err != nil {
		return wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTag(row interface{ Scan(...any) error }) (model.Tag, error) {
	var tag model.Tag
	err := row.Scan(
		&tag.ID,
		&tag.TagID,
		&tag.UserID,
		&tag.IsActive,
		&tag.LastScanned,
		&tag.LastDeviceID,
		&tag.RegisteredBy,
		&tag.Metadata,
		&tag.CreatedAt,
		&tag.UpdatedAt,
	)
	return tag, wrapErr(err)
}
