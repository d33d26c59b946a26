package store

import (
	"database/sql"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on correlation_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (correlation_id, server_id, chat_id, sender_id, text, mood, attachment_ref, status, sequence, deleted, from_me, timestamp, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO UPDATE SET
			server_id = COALESCE(excluded.server_id, messages.server_id),
			text = excluded.text,
			mood = excluded.mood,
			attachment_ref = excluded.attachment_ref,
			status = excluded.status,
			sequence = MAX(messages.sequence, excluded.sequence)`,
		m.CorrelationID, m.ServerID, m.ChatID, m.SenderID, m.Text, m.Mood, m.AttachmentRef,
		m.Status, m.Sequence, m.Deleted, m.FromMe, m.Timestamp, now)
	return err
}

// InsertMessageIfAbsent inserts a message only when no record with the same
// correlation_id exists. Used for inbound new_message events so our own
// optimistic echo is not duplicated.
func (db *DB) InsertMessageIfAbsent(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (correlation_id, server_id, chat_id, sender_id, text, mood, attachment_ref, status, sequence, deleted, from_me, timestamp, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO NOTHING`,
		m.CorrelationID, m.ServerID, m.ChatID, m.SenderID, m.Text, m.Mood, m.AttachmentRef,
		m.Status, m.Sequence, m.Deleted, m.FromMe, m.Timestamp, now)
	return err
}

// MarkMessageAcked records the server id and post-ack status for a pending
// send. Only a record still in "sending" is touched; terminal states stay.
func (db *DB) MarkMessageAcked(correlationID, serverID, status string) error {
	_, err := db.Exec(`
		UPDATE messages SET server_id = ?, status = ?
		WHERE correlation_id = ? AND status = ?`,
		serverID, status, correlationID, StatusSending)
	return err
}

// MarkMessageFailed moves a still-sending message to failed.
func (db *DB) MarkMessageFailed(correlationID string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ? WHERE correlation_id = ? AND status = ?`,
		StatusFailed, correlationID, StatusSending)
	return err
}

// MarkMessageSending resets a failed message for a user-initiated retry.
func (db *DB) MarkMessageSending(correlationID string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ? WHERE correlation_id = ?`,
		StatusSending, correlationID)
	return err
}

// MarkMessageDeleted downgrades a record in place: content cleared, deleted
// flag set, timeline position preserved. Idempotent by server id.
func (db *DB) MarkMessageDeleted(serverID string) error {
	_, err := db.Exec(`
		UPDATE messages SET text = '', mood = '', attachment_ref = '', deleted = 1
		WHERE server_id = ?`, serverID)
	return err
}

// SetStatusByServerID updates delivery status (delivered/read) keyed by the
// durable server id.
func (db *DB) SetStatusByServerID(serverID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE server_id = ?`, status, serverID)
	return err
}

// ClearChatHistory removes every message of a chat. Applying it twice is a
// no-op.
func (db *DB) ClearChatHistory(chatID string) error {
	if _, err := db.Exec(`
		DELETE FROM reactions WHERE message_id IN
			(SELECT server_id FROM messages WHERE chat_id = ? AND server_id IS NOT NULL)`, chatID); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM messages WHERE chat_id = ?`, chatID)
	return err
}

// GetMessageByCorrelation returns a message by its correlation id, or nil.
func (db *DB) GetMessageByCorrelation(correlationID string) (*Message, error) {
	return db.getMessage(`WHERE correlation_id = ?`, correlationID)
}

// GetMessageByServerID returns a message by its server id, or nil.
func (db *DB) GetMessageByServerID(serverID string) (*Message, error) {
	return db.getMessage(`WHERE server_id = ?`, serverID)
}

func (db *DB) getMessage(where string, arg any) (*Message, error) {
	var m Message
	var serverID sql.NullString
	err := db.QueryRow(`
		SELECT id, correlation_id, server_id, chat_id, sender_id, text, mood, attachment_ref, status, sequence, deleted, from_me, timestamp
		FROM messages `+where, arg).
		Scan(&m.ID, &m.CorrelationID, &serverID, &m.ChatID, &m.SenderID, &m.Text, &m.Mood,
			&m.AttachmentRef, &m.Status, &m.Sequence, &m.Deleted, &m.FromMe, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.ServerID = serverID.String
	return &m, nil
}

// ListMessages returns messages for a chat using keyset pagination by timestamp.
func (db *DB) ListMessages(chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, correlation_id, server_id, chat_id, sender_id, text, mood, attachment_ref, status, sequence, deleted, from_me, timestamp
		FROM messages
		WHERE chat_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var serverID sql.NullString
		if err := rows.Scan(&m.ID, &m.CorrelationID, &serverID, &m.ChatID, &m.SenderID, &m.Text,
			&m.Mood, &m.AttachmentRef, &m.Status, &m.Sequence, &m.Deleted, &m.FromMe, &m.Timestamp); err != nil {
			return nil, err
		}
		m.ServerID = serverID.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
