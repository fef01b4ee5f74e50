package repository

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

type DeviceRepository interface {
	GetOrCreateID() (string, error)
}

type deviceRepository struct {
	db *sql.DB
}

func NewDeviceRepository(db *sql.DB) DeviceRepository {
	return &deviceRepository{db: db}
}

// GetOrCreateID returns this replica's stable device identity, generating
// and persisting one on first run. Uploads carry it so other replicas can
// attribute remote edits.
func (r *deviceRepository) GetOrCreateID() (string, error) {
	var deviceID string
	err := r.db.QueryRow(`SELECT device_id FROM device_identity WHERE id = 1`).Scan(&deviceID)
	if err == nil {
		return deviceID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to load device identity: %w", err)
	}

	deviceID = uuid.New().String()
	if _, err := r.db.Exec(
		`INSERT INTO device_identity (id, device_id) VALUES (1, ?)`, deviceID); err != nil {
		return "", fmt.Errorf("failed to persist device identity: %w", err)
	}

	return deviceID, nil
}
