package models

import "time"

// Device status values.
const (
	DeviceStatusAvailable = "available"
	DeviceStatusOccupied  = "occupied"
)

// Device is a registered charge point.
type Device struct {
	DeviceID    string    `db:"device_id" json:"device_id"`
	Location    string    `db:"location" json:"location"`
	Status      string    `db:"status" json:"status"`
	ChargerType string    `db:"charger_type" json:"charger_type"`
	Lat         float64   `db:"lat" json:"lat"`
	Lng         float64   `db:"lng" json:"lng"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
