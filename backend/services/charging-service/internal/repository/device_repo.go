package repository

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"chargeflow/backend/services/charging-service/internal/models"
)

// DeviceStore is the device registry.
type DeviceStore interface {
	Get(ctx context.Context, deviceID string) (*models.Device, error)
	List(ctx context.Context) ([]models.Device, error)
	SetStatus(ctx context.Context, deviceID, status string) error
}

// DeviceRepository reads the devices table.
type DeviceRepository struct {
	db *sql.DB
}

// NewDeviceRepository returns repository.
func NewDeviceRepository(db *sql.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

const deviceColumns = `device_id, location, status, charger_type, lat, lng, updated_at`

func scanDevice(row rowScanner) (*models.Device, error) {
	var d models.Device
	if err := row.Scan(&d.DeviceID, &d.Location, &d.Status, &d.ChargerType, &d.Lat, &d.Lng, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// Get returns one device.
func (r *DeviceRepository) Get(ctx context.Context, deviceID string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1`
	d, err := scanDevice(r.db.QueryRowContext(ctx, query, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	return d, err
}

// List returns all devices ordered by id.
func (r *DeviceRepository) List(ctx context.Context) ([]models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY device_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return devices, nil
}

// SetStatus flips the availability flag.
func (r *DeviceRepository) SetStatus(ctx context.Context, deviceID, status string) error {
	const query = `UPDATE devices SET status = $2, updated_at = NOW() WHERE device_id = $1`
	result, err := r.db.ExecContext(ctx, query, deviceID, status)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// Upsert registers or updates a device.
func (r *DeviceRepository) Upsert(ctx context.Context, device *models.Device) error {
	const query = `
		INSERT INTO devices (device_id, location, status, charger_type, lat, lng, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (device_id) DO UPDATE SET
			location = EXCLUDED.location,
			charger_type = EXCLUDED.charger_type,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			updated_at = NOW()
	`
	status := device.Status
	if status == "" {
		status = models.DeviceStatusAvailable
	}
	_, err := r.db.ExecContext(ctx, query, device.DeviceID, device.Location, status, device.ChargerType, device.Lat, device.Lng)
	return err
}

// MemoryDeviceStore is the registry used with the memory ledger driver.
type MemoryDeviceStore struct {
	mu      sync.Mutex
	devices map[string]models.Device
}

// NewMemoryDeviceStore seeds the registry with devices.
func NewMemoryDeviceStore(devices ...models.Device) *MemoryDeviceStore {
	s := &MemoryDeviceStore{devices: make(map[string]models.Device, len(devices))}
	for _, d := range devices {
		if d.Status == "" {
			d.Status = models.DeviceStatusAvailable
		}
		s.devices[d.DeviceID] = d
	}
	return s
}

func (s *MemoryDeviceStore) Get(_ context.Context, deviceID string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return &d, nil
}

func (s *MemoryDeviceStore) List(_ context.Context) ([]models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *MemoryDeviceStore) SetStatus(_ context.Context, deviceID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Status = status
	d.UpdatedAt = time.Now().UTC()
	s.devices[deviceID] = d
	return nil
}
