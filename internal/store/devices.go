package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gridline/fieldbus/internal/model"
)

const deviceColumns = "id, alias, host, port, protocol, word_order, is_active"

func scanDevice(row interface{ Scan(...any) error }) (model.Device, error) {
	var d model.Device
	err := row.Scan(&d.ID, &d.Alias, &d.Host, &d.Port, &d.Protocol, &d.WordOrder, &d.Active)
	return d, err
}

// ActiveDevices returns the devices the poll engine should scan.
func (s *Store) ActiveDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE is_active ORDER BY alias")
	if err != nil {
		return nil, fmt.Errorf("query active devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// ListDevices returns all devices for the admin API.
func (s *Store) ListDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+deviceColumns+" FROM devices ORDER BY alias")
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// DeviceByAlias looks up one device.
func (s *Store) DeviceByAlias(ctx context.Context, alias string) (*model.Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE alias = $1", alias))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query device %s: %w", alias, err)
	}
	return &d, nil
}

// CreateDevice inserts a device unless its alias is taken. Reports whether
// a row was created; on conflict the existing device is left untouched.
func (s *Store) CreateDevice(ctx context.Context, d *model.Device) (bool, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO devices (alias, host, port, protocol, word_order, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (alias) DO NOTHING
		RETURNING id`,
		d.Alias, d.Host, d.Port, d.Protocol, d.WordOrder, d.Active,
	).Scan(&d.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert device %s: %w", d.Alias, err)
	}
	return true, nil
}

// DeleteDevice removes a device; tags and their dependents cascade.
func (s *Store) DeleteDevice(ctx context.Context, alias string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM devices WHERE alias = $1", alias)
	if err != nil {
		return fmt.Errorf("delete device %s: %w", alias, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountDevices supports the registration fleet cap.
func (s *Store) CountDevices(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM devices").Scan(&n)
	return n, err
}
