package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tagsakay/server/internal/model"
)

type DeviceRepo struct {
	pool *pgxpool.Pool
}

const deviceColumns = `
	id, device_id, mac_address, name, location, api_key, is_active,
	registration_mode, registration_mode_set_at, pending_registration_tag_id,
	scan_mode, last_seen, created_at, updated_at`

func (r *DeviceRepo) Create(ctx context.Context, device model.Device) error {
	return insertDevice(ctx, r.pool, device)
}

func insertDevice(ctx context.Context, db execer, device model.Device) error {
	_, err := db.Exec(ctx, `
		INSERT INTO devices (
			id, device_id, mac_address, name, location, api_key, is_active,
			registration_mode, pending_registration_tag_id, scan_mode,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, false, '', false, $8, $9)
	`, device.ID, device.DeviceID, device.MACAddress, device.Name, device.Location,
		device.APIKey, device.IsActive, device.CreatedAt, device.UpdatedAt)
	return wrapErr(err)
}

func (r *DeviceRepo) GetByDeviceID(ctx context.Context, deviceID string) (model.Device, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = $1`, deviceID)
	return scanDevice(row)
}

// GetByAPIKey matches the composite key issued at registration. Used by the
// legacy direct-match authentication path.
func (r *DeviceRepo) GetByAPIKey(ctx context.Context, apiKey string) (model.Device, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE api_key = $1`, apiKey)
	return scanDevice(row)
}

func (r *DeviceRepo) GetByMACAddress(ctx context.Context, macAddress string) (model.Device, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE mac_address = $1`, macAddress)
	return scanDevice(row)
}

func (r *DeviceRepo) List(ctx context.Context) ([]model.Device, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY created_at DESC`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var devices []model.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, wrapErr(rows.Err())
}

func (r *DeviceRepo) UpdateLastSeen(ctx context.Context, deviceID string, seenAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE devices SET last_seen = $1, updated_at = $1 WHERE device_id = $2
	`, seenAt, deviceID)
	if err != nil {
		return wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *DeviceRepo) UpdateLocation(ctx context.Context, deviceID, location string, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE devices SET location = $1, updated_at = $2 WHERE device_id = $3
	`, location, now, deviceID)
	if err != nil {
		return wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRegistrationMode flips registration mode and records when it was enabled
// so reads can expire it by timestamp comparison.
func (r *DeviceRepo) SetRegistrationMode(ctx context.Context, deviceID string, enabled bool, pendingTagID string, scanMode bool, now time.Time) error {
	var setAt *time.Time
	if enabled {
		setAt = &now
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE devices
		SET registration_mode = $1,
		    registration_mode_set_at = $2,
		    pending_registration_tag_id = $3,
		    scan_mode = $4,
		    last_seen = $5,
		    updated_at = $5
		WHERE device_id = $6
	`, enabled, setAt, pendingTagID, scanMode, now, deviceID)
	if err != nil {
		return wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BindPendingTag points a scan-mode device at the tag it just captured.
func (r *DeviceRepo) BindPendingTag(ctx context.Context, deviceID, tagID string, now time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE devices
		SET pending_registration_tag_id = $1, updated_at = $2
		WHERE device_id = $3
	`, tagID, now, deviceID)
	if err != nil {
		return wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDevice(row interface{ Scan(...any) error }) (model.Device, error) {
	var device model.Device
	err := row.Scan(
		&device.ID,
		&device.DeviceID,
		&device.MACAddress,
		&device.Name,
		&device.Location,
		&device.APIKey,
		&device.IsActive,
		&device.RegistrationMode,
		&device.RegistrationModeSetAt,
		&device.PendingRegistrationTagID,
		&device.ScanMode,
		&device.LastSeen,
		&device.CreatedAt,
		&device.UpdatedAt,
	)
	return device, wrapErr(err)
}
