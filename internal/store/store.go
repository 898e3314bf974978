package store

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps sqlite (client preferences).
type DB struct {
	*sql.DB
}

// Settings: the persisted encoding request.
type Settings struct {
	Codec               string
	FPS                 int
	BitrateMbps         int
	KeyframeIntervalSec int
}

// Open opens the prefs db at path, runs migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS prefs (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			codec TEXT NOT NULL,
			fps INTEGER NOT NULL,
			bitrate_mbps INTEGER NOT NULL,
			keyframe_interval INTEGER NOT NULL,
			monitor_index INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

// Save upserts the single prefs row.
func (db *DB) Save(s Settings, monitorIndex uint32) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.Exec(`
		INSERT INTO prefs (id, codec, fps, bitrate_mbps, keyframe_interval, monitor_index, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			codec = excluded.codec,
			fps = excluded.fps,
			bitrate_mbps = excluded.bitrate_mbps,
			keyframe_interval = excluded.keyframe_interval,
			monitor_index = excluded.monitor_index,
			updated_at = excluded.updated_at
	`, s.Codec, s.FPS, s.BitrateMbps, s.KeyframeIntervalSec, monitorIndex, now)
	return err
}

// Load returns the saved settings and monitor index, or nil when nothing has
// been saved yet.
func (db *DB) Load() (*Settings, uint32, error) {
	var s Settings
	var monitor uint32
	err := db.QueryRow(`
		SELECT codec, fps, bitrate_mbps, keyframe_interval, monitor_index FROM prefs WHERE id = 1
	`).Scan(&s.Codec, &s.FPS, &s.BitrateMbps, &s.KeyframeIntervalSec, &monitor)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return &s, monitor, nil
}
