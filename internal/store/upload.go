package store

import "time"

// SaveUploadTask inserts or replaces the durable mirror of an upload task.
func (db *DB) SaveUploadTask(t *UploadTask) error {
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO upload_tasks (id, chat_id, target_message_id, file_path, media_kind, priority, state, progress, retry_count, retryable, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			progress = excluded.progress,
			retry_count = excluded.retry_count,
			retryable = excluded.retryable,
			error = excluded.error`,
		t.ID, t.ChatID, t.TargetMessageID, t.FilePath, t.MediaKind, t.Priority,
		t.State, t.Progress, t.RetryCount, t.Retryable, t.Error, t.CreatedAt)
	return err
}

// UpdateUploadState writes the current lifecycle state and progress of a task.
func (db *DB) UpdateUploadState(id, state string, progress int, errMsg string, retryable bool) error {
	_, err := db.Exec(`
		UPDATE upload_tasks SET state = ?, progress = ?, error = ?, retryable = ?
		WHERE id = ?`, state, progress, errMsg, retryable, id)
	return err
}

// IncrementUploadRetry resets a failed task to pending and bumps its retry
// count. Returns false when the task is absent or not in a failed state, so
// callers cannot re-run a task that is already queued or in flight.
func (db *DB) IncrementUploadRetry(id string) (bool, error) {
	res, err := db.Exec(`
		UPDATE upload_tasks SET state = ?, progress = 0, error = '', retry_count = retry_count + 1
		WHERE id = ? AND state = ?`, UploadPending, id, UploadFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteUploadTask evicts a task from the durable queue.
func (db *DB) DeleteUploadTask(id string) error {
	_, err := db.Exec(`DELETE FROM upload_tasks WHERE id = ?`, id)
	return err
}

// ListUploadTasks returns every durably queued task in priority order,
// ties broken by arrival.
func (db *DB) ListUploadTasks() ([]UploadTask, error) {
	rows, err := db.Query(`
		SELECT id, chat_id, target_message_id, file_path, media_kind, priority, state, progress, retry_count, retryable, error, created_at
		FROM upload_tasks
		ORDER BY priority ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []UploadTask
	for rows.Next() {
		var t UploadTask
		if err := rows.Scan(&t.ID, &t.ChatID, &t.TargetMessageID, &t.FilePath, &t.MediaKind,
			&t.Priority, &t.State, &t.Progress, &t.RetryCount, &t.Retryable, &t.Error, &t.CreatedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ResetInterruptedUploads moves every task that was mid-flight when the
// previous process died back to pending with zero progress. Any such
// transfer is lost and restarts from the beginning. Failed tasks keep
// waiting for a user-initiated retry.
func (db *DB) ResetInterruptedUploads() error {
	_, err := db.Exec(`
		UPDATE upload_tasks SET state = ?, progress = 0
		WHERE state NOT IN (?, ?, ?)`,
		UploadPending, UploadCompleted, UploadCancelled, UploadFailed)
	return err
}
