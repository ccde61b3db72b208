package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tagsakay/server/internal/model"
)

// ScanRepo owns the append-only scan ledger. Rows are never updated or
// deleted by the application.
type ScanRepo struct {
	pool *pgxpool.Pool
}

const scanColumns = `
	id, tag_id, device_id, user_id, event_type, location, vehicle_id,
	scan_time, status, metadata`

func (r *ScanRepo) Create(ctx context.Context, record model.ScanRecord) error {
	metadata := record.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO rfid_scans (
			id, tag_id, device_id, user_id, event_type, location, vehicle_id,
			scan_time, status, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, record.ID, record.TagID, record.DeviceID, record.UserID, record.EventType,
		record.Location, record.VehicleID, record.ScanTime, record.Status, metadata)
	return wrapErr(err)
}

// LatestByUser returns the most recent ledger row for a user, the sole input
// to entry/exit inference.
func (r *ScanRepo) LatestByUser(ctx context.Context, userID string) (model.ScanRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+scanColumns+`
		FROM rfid_scans
		WHERE user_id = $1
		ORDER BY scan_time DESC
		LIMIT 1
	`, userID)
	return scanRecord(row)
}

func (r *ScanRepo) RecentByTag(ctx context.Context, tagID string, limit int) ([]model.ScanRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+scanColumns+`
		FROM rfid_scans
		WHERE tag_id = $1
		ORDER BY scan_time DESC
		LIMIT $2
	`, tagID, limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return collectScans(rows)
}

// LatestByTagSince supports the two-step registration check: has this tag
// been seen on any reader within the window?
func (r *ScanRepo) LatestByTagSince(ctx context.Context, tagID string, since time.Time) (model.ScanRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+scanColumns+`
		FROM rfid_scans
		WHERE tag_id = $1 AND scan_time >= $2
		ORDER BY scan_time DESC
		LIMIT 1
	`, tagID, since)
	return scanRecord(row)
}

// RecentUnregistered lists failed scans of unknown tags since the given time,
// newest first. Callers filter out tags registered in the meantime.
func (r *ScanRepo) RecentUnregistered(ctx context.Context, since time.Time, limit int) ([]model.ScanRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+scanColumns+`
		FROM rfid_scans
		WHERE status = 'failed'
		  AND scan_time >= $1
		  AND metadata->>'reason' = 'Tag not registered'
		ORDER BY scan_time DESC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return collectScans(rows)
}

func collectScans(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]model.ScanRecord, error) {
	var records []model.ScanRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, wrapErr(rows.Err())
}

func scanRecord(row interface{ Scan(...any) error }) (model.ScanRecord, error) {
	var record model.ScanRecord
	err := row.Scan(
		&record.ID,
		&record.TagID,
		&record.DeviceID,
		&record.UserID,
		&record.EventType,
		&record.Location,
		&record.VehicleID,
		&record.ScanTime,
		&record.Status,
		&record.Metadata,
	)
	return record, wrapErr(err)
}
