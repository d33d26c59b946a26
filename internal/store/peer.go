package store

import (
	"database/sql"
	"time"
)

// UpsertPresence records the partner's online flag and last-seen time.
func (db *DB) UpsertPresence(userID string, online bool, lastSeen int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO peer_state (user_id, online, last_seen, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			online = excluded.online,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		userID, online, lastSeen, now)
	return err
}

// UpsertProfile records the partner's mood and avatar.
func (db *DB) UpsertProfile(userID, mood, avatarURL string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO peer_state (user_id, mood, avatar_url, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			mood = excluded.mood,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at`,
		userID, mood, avatarURL, now)
	return err
}

// UpsertChatMode records the chat mode the partner switched to.
func (db *DB) UpsertChatMode(userID, mode string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO peer_state (user_id, chat_mode, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			chat_mode = excluded.chat_mode,
			updated_at = excluded.updated_at`,
		userID, mode, now)
	return err
}

// GetPeer returns the partner snapshot, or nil when never seen.
func (db *DB) GetPeer(userID string) (*PeerState, error) {
	var p PeerState
	err := db.QueryRow(`
		SELECT user_id, online, last_seen, mood, avatar_url, chat_mode
		FROM peer_state WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.Online, &p.LastSeen, &p.Mood, &p.AvatarURL, &p.ChatMode)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertReaction stores a reaction toggle keyed (message, user). Applying
// the same event twice leaves the row unchanged.
func (db *DB) UpsertReaction(r *Reaction) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO reactions (message_id, user_id, emoji, active, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id, user_id) DO UPDATE SET
			emoji = excluded.emoji,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		r.MessageID, r.UserID, r.Emoji, r.Active, now)
	return err
}

// GetReaction returns one user's reaction on a message, or nil.
func (db *DB) GetReaction(messageID, userID string) (*Reaction, error) {
	var r Reaction
	err := db.QueryRow(`
		SELECT message_id, user_id, emoji, active
		FROM reactions WHERE message_id = ? AND user_id = ?`, messageID, userID).
		Scan(&r.MessageID, &r.UserID, &r.Emoji, &r.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
