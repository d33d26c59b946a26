package store

import (
	"database/sql"
	"strconv"
	"time"
)

const cursorKey = "last_sequence_cursor"

// LastSequenceCursor returns the highest applied event sequence number,
// or 0 when none has been recorded yet.
func (db *DB) LastSequenceCursor() (int64, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, cursorKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(value, 10, 64)
}

// SetSequenceCursor persists the cursor. The write is monotonic: a value
// at or below the stored one leaves the row unchanged.
func (db *DB) SetSequenceCursor(v int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE
				WHEN CAST(excluded.value AS INTEGER) > CAST(sync_state.value AS INTEGER)
				THEN excluded.value ELSE sync_state.value END,
			updated_at = excluded.updated_at`,
		cursorKey, strconv.FormatInt(v, 10), now)
	return err
}

// SetSyncValue stores an arbitrary sync checkpoint (credential owner id,
// last profile etag and the like).
func (db *DB) SetSyncValue(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetSyncValue retrieves a sync checkpoint value; empty string when absent.
func (db *DB) GetSyncValue(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
