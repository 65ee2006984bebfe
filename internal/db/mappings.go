package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// MappingsDatabase stores user-made configuration that must survive
// restarts: per-activity button overrides, virtual IP command definitions
// and the recent app activation log. Protocol catalog data is not stored
// here; the hub remains the source of truth for it.
type MappingsDatabase struct {
	db *Database
}

// ButtonMapping is a user override binding a remote button to a device
// command within one activity.
type ButtonMapping struct {
	ActivityID int       `json:"activity_id"`
	ButtonCode int       `json:"button_code"`
	DeviceID   int       `json:"device_id"`
	CommandID  int       `json:"command_id"`
	Label      string    `json:"label"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IPCommandRecord is a stored virtual IP command definition.
type IPCommandRecord struct {
	DeviceID int    `json:"device_id"`
	ButtonID int    `json:"button_id"`
	Name     string `json:"name"`
	Method   string `json:"method"`
	URL      string `json:"url"`
	Headers  string `json:"headers"`
}

// ActivationRecord is one observed app-driven activity activation.
type ActivationRecord struct {
	ID         int       `json:"id"`
	ActivityID int       `json:"activity_id"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewMappingsDatabase opens and migrates the mapping store.
func NewMappingsDatabase(dbPath string) (*MappingsDatabase, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	mdb := &MappingsDatabase{db: database}
	if err := mdb.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate mappings database: %w", err)
	}
	return mdb, nil
}

// Close closes the underlying database.
func (mdb *MappingsDatabase) Close() error {
	return mdb.db.Close()
}

// migrate creates the database schema.
func (mdb *MappingsDatabase) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS button_mappings (
			activity_id INTEGER NOT NULL,
			button_code INTEGER NOT NULL,
			device_id INTEGER NOT NULL,
			command_id INTEGER NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (activity_id, button_code)
		);

		CREATE TABLE IF NOT EXISTS ip_commands (
			device_id INTEGER NOT NULL,
			button_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT 'GET',
			url TEXT NOT NULL,
			headers TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (device_id, button_id)
		);

		CREATE TABLE IF NOT EXISTS activations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			activity_id INTEGER NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_button_mappings_activity ON button_mappings(activity_id);
		CREATE INDEX IF NOT EXISTS idx_ip_commands_device ON ip_commands(device_id);
		CREATE INDEX IF NOT EXISTS idx_activations_created ON activations(created_at);
	`

	if _, err := mdb.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("mappings schema migrated")
	return nil
}

// SetButtonMapping inserts or replaces one button override.
func (mdb *MappingsDatabase) SetButtonMapping(m ButtonMapping) error {
	_, err := mdb.db.Exec(`
		INSERT INTO button_mappings (activity_id, button_code, device_id, command_id, label, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(activity_id, button_code) DO UPDATE SET
			device_id = excluded.device_id,
			command_id = excluded.command_id,
			label = excluded.label,
			updated_at = CURRENT_TIMESTAMP`,
		m.ActivityID, m.ButtonCode, m.DeviceID, m.CommandID, m.Label)
	if err != nil {
		return fmt.Errorf("failed to store button mapping: %w", err)
	}
	return nil
}

// ButtonMappings returns all overrides for one activity.
func (mdb *MappingsDatabase) ButtonMappings(activityID int) ([]ButtonMapping, error) {
	rows, err := mdb.db.Query(`
		SELECT activity_id, button_code, device_id, command_id, label, updated_at
		FROM button_mappings WHERE activity_id = ? ORDER BY button_code`,
		activityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query button mappings: %w", err)
	}
	defer rows.Close()

	var out []ButtonMapping
	for rows.Next() {
		var m ButtonMapping
		if err := rows.Scan(&m.ActivityID, &m.ButtonCode, &m.DeviceID, &m.CommandID, &m.Label, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan button mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteButtonMapping removes one override. Missing rows are not an error.
func (mdb *MappingsDatabase) DeleteButtonMapping(activityID, buttonCode int) error {
	_, err := mdb.db.Exec(`DELETE FROM button_mappings WHERE activity_id = ? AND button_code = ?`,
		activityID, buttonCode)
	if err != nil {
		return fmt.Errorf("failed to delete button mapping: %w", err)
	}
	return nil
}

// ClearActivityMappings removes every override for one activity, for use
// when the activity itself is deleted on the hub.
func (mdb *MappingsDatabase) ClearActivityMappings(activityID int) (int64, error) {
	res, err := mdb.db.Exec(`DELETE FROM button_mappings WHERE activity_id = ?`, activityID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear activity mappings: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveIPCommand inserts or replaces a virtual IP command definition.
func (mdb *MappingsDatabase) SaveIPCommand(rec IPCommandRecord) error {
	_, err := mdb.db.Exec(`
		INSERT INTO ip_commands (device_id, button_id, name, method, url, headers)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, button_id) DO UPDATE SET
			name = excluded.name,
			method = excluded.method,
			url = excluded.url,
			headers = excluded.headers`,
		rec.DeviceID, rec.ButtonID, rec.Name, rec.Method, rec.URL, rec.Headers)
	if err != nil {
		return fmt.Errorf("failed to store IP command: %w", err)
	}
	return nil
}

// IPCommands returns the stored definitions for one device.
func (mdb *MappingsDatabase) IPCommands(deviceID int) ([]IPCommandRecord, error) {
	rows, err := mdb.db.Query(`
		SELECT device_id, button_id, name, method, url, headers
		FROM ip_commands WHERE device_id = ? ORDER BY button_id`,
		deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query IP commands: %w", err)
	}
	defer rows.Close()

	var out []IPCommandRecord
	for rows.Next() {
		var rec IPCommandRecord
		if err := rows.Scan(&rec.DeviceID, &rec.ButtonID, &rec.Name, &rec.Method, &rec.URL, &rec.Headers); err != nil {
			return nil, fmt.Errorf("failed to scan IP command: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteDeviceIPCommands removes every definition for one device.
func (mdb *MappingsDatabase) DeleteDeviceIPCommands(deviceID int) error {
	_, err := mdb.db.Exec(`DELETE FROM ip_commands WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("failed to delete device IP commands: %w", err)
	}
	return nil
}

// RecordActivation appends one app activation to the log.
func (mdb *MappingsDatabase) RecordActivation(activityID int, source string) error {
	_, err := mdb.db.Exec(`INSERT INTO activations (activity_id, source) VALUES (?, ?)`,
		activityID, source)
	if err != nil {
		return fmt.Errorf("failed to record activation: %w", err)
	}
	return nil
}

// RecentActivations returns the latest entries, newest first.
func (mdb *MappingsDatabase) RecentActivations(limit int) ([]ActivationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := mdb.db.Query(`
		SELECT id, activity_id, source, created_at
		FROM activations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activations: %w", err)
	}
	defer rows.Close()

	var out []ActivationRecord
	for rows.Next() {
		var rec ActivationRecord
		if err := rows.Scan(&rec.ID, &rec.ActivityID, &rec.Source, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneActivations deletes log entries older than the retention window.
func (mdb *MappingsDatabase) PruneActivations(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format("2006-01-02 15:04:05")
	res, err := mdb.db.Exec(`DELETE FROM activations WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune activations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Transaction exposes the underlying transaction helper for compound
// updates (e.g. replacing an activity's whole mapping set atomically).
func (mdb *MappingsDatabase) Transaction(fn func(tx *sql.Tx) error) error {
	return mdb.db.Transaction(fn)
}
