// Package journal persists gateway activity that should survive
// restarts: the last pushed property values per device and an audit
// trail of downlink commands. The status server reads both; nothing in
// the forwarding path depends on the journal being writable.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the gateway journal backed by SQLite. All public methods
// are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the journal at the given database path.
// The schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS device_push (
		device_id  TEXT PRIMARY KEY,
		message_id TEXT NOT NULL,
		properties TEXT NOT NULL,
		pushed_at  TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS command_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		command_id  TEXT NOT NULL,
		device_id   TEXT NOT NULL,
		state       INTEGER NOT NULL,
		ok          INTEGER NOT NULL,
		detail      TEXT NOT NULL DEFAULT '',
		received_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// PushRecord is the last successful property post for one device.
type PushRecord struct {
	DeviceID   string         `json:"device_id"`
	MessageID  string         `json:"message_id"`
	Properties map[string]any `json:"properties"`
	PushedAt   time.Time      `json:"pushed_at"`
}

// RecordPush upserts the last pushed values for a device.
func (s *Store) RecordPush(deviceID, messageID string, properties map[string]any) error {
	props, err := json.Marshal(properties)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO device_push (device_id, message_id, properties, pushed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (device_id) DO UPDATE
		 SET message_id = excluded.message_id,
		     properties = excluded.properties,
		     pushed_at  = excluded.pushed_at`,
		deviceID, messageID, string(props), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record push %s: %w", deviceID, err)
	}
	return nil
}

// LastPush returns the last push record for a device, or nil when the
// device has never pushed.
func (s *Store) LastPush(deviceID string) (*PushRecord, error) {
	var rec PushRecord
	var props, pushedAt string
	err := s.db.QueryRow(
		`SELECT device_id, message_id, properties, pushed_at
		 FROM device_push WHERE device_id = ?`,
		deviceID,
	).Scan(&rec.DeviceID, &rec.MessageID, &props, &pushedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last push %s: %w", deviceID, err)
	}

	if err := json.Unmarshal([]byte(props), &rec.Properties); err != nil {
		return nil, fmt.Errorf("decode properties %s: %w", deviceID, err)
	}
	rec.PushedAt, _ = time.Parse(time.RFC3339, pushedAt)
	return &rec, nil
}

// AllPushes returns the last push record for every device that has
// pushed, keyed by device ID.
func (s *Store) AllPushes() (map[string]*PushRecord, error) {
	rows, err := s.db.Query(
		`SELECT device_id, message_id, properties, pushed_at FROM device_push`,
	)
	if err != nil {
		return nil, fmt.Errorf("all pushes: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*PushRecord)
	for rows.Next() {
		var rec PushRecord
		var props, pushedAt string
		if err := rows.Scan(&rec.DeviceID, &rec.MessageID, &props, &pushedAt); err != nil {
			return nil, fmt.Errorf("scan push record: %w", err)
		}
		if err := json.Unmarshal([]byte(props), &rec.Properties); err != nil {
			return nil, fmt.Errorf("decode properties %s: %w", rec.DeviceID, err)
		}
		rec.PushedAt, _ = time.Parse(time.RFC3339, pushedAt)
		result[rec.DeviceID] = &rec
	}
	return result, rows.Err()
}

// CommandRecord is one entry in the downlink command audit trail.
type CommandRecord struct {
	CommandID  string    `json:"command_id"`
	DeviceID   string    `json:"device_id"`
	State      int       `json:"state"`
	OK         bool      `json:"ok"`
	Detail     string    `json:"detail,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// RecordCommand appends a downlink command result to the audit trail.
func (s *Store) RecordCommand(rec CommandRecord) error {
	ok := 0
	if rec.OK {
		ok = 1
	}
	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO command_log (command_id, device_id, state, ok, detail, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.CommandID, rec.DeviceID, rec.State, ok, rec.Detail,
		receivedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record command %s: %w", rec.CommandID, err)
	}
	return nil
}

// RecentCommands returns up to limit command records, newest first.
func (s *Store) RecentCommands(limit int) ([]CommandRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT command_id, device_id, state, ok, detail, received_at
		 FROM command_log ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent commands: %w", err)
	}
	defer rows.Close()

	var result []CommandRecord
	for rows.Next() {
		var rec CommandRecord
		var ok int
		var receivedAt string
		if err := rows.Scan(&rec.CommandID, &rec.DeviceID, &rec.State, &ok, &rec.Detail, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan command record: %w", err)
		}
		rec.OK = ok == 1
		rec.ReceivedAt, _ = time.Parse(time.RFC3339, receivedAt)
		result = append(result, rec)
	}
	return result, rows.Err()
}
