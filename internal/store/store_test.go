package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestUpsertMessageIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{CorrelationID: "c1", ChatID: "chat1", Text: "hello", Status: StatusSending, Timestamp: 1000, FromMe: true}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	m.Text = "hello again"
	m.Status = StatusSent
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("chat1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Text != "hello again" || msgs[0].Status != StatusSent {
		t.Errorf("message = %+v, want updated text/status", msgs[0])
	}
}

func TestInsertMessageIfAbsentSkipsOwnEcho(t *testing.T) {
	db := testDB(t)

	optimistic := &Message{CorrelationID: "c1", ChatID: "chat1", Text: "mine", Status: StatusSending, FromMe: true, Timestamp: 1000}
	if err := db.UpsertMessage(optimistic); err != nil {
		t.Fatal(err)
	}

	// Server echo of our own message carries the same correlation id.
	echo := &Message{CorrelationID: "c1", ServerID: "s1", ChatID: "chat1", Text: "mine", Status: StatusSent, Timestamp: 1001}
	if err := db.InsertMessageIfAbsent(echo); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("chat1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (echo skipped)", len(msgs))
	}
	if msgs[0].Text != "mine" || !msgs[0].FromMe {
		t.Errorf("message = %+v, optimistic record should be untouched", msgs[0])
	}
}

func TestMarkMessageAckedGuardsTerminal(t *testing.T) {
	db := testDB(t)

	m := &Message{CorrelationID: "c1", ChatID: "chat1", Status: StatusSending, Timestamp: 1000}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMessageFailed("c1"); err != nil {
		t.Fatal(err)
	}

	// Late ack must not resurrect a failed message.
	if err := db.MarkMessageAcked("c1", "s1", StatusSent); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetMessageByCorrelation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed {
		t.Errorf("status = %q, want failed (terminal)", got.Status)
	}
}

func TestMarkMessageDeletedDowngradesInPlace(t *testing.T) {
	db := testDB(t)

	m := &Message{CorrelationID: "c1", ServerID: "s1", ChatID: "chat1", Text: "secret", Mood: "happy", Status: StatusRead, Timestamp: 1000}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMessageDeleted("s1"); err != nil {
		t.Fatal(err)
	}
	// Second application is a no-op.
	if err := db.MarkMessageDeleted("s1"); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessageByServerID("s1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("record removed; deletion must downgrade in place")
	}
	if got.Text != "" || got.Mood != "" || !got.Deleted {
		t.Errorf("message = %+v, want cleared content with deleted flag", got)
	}
}

func TestSequenceCursorMonotonic(t *testing.T) {
	db := testDB(t)

	cursor, err := db.LastSequenceCursor()
	if err != nil {
		t.Fatal(err)
	}
	if cursor != 0 {
		t.Errorf("initial cursor = %d, want 0", cursor)
	}

	if err := db.SetSequenceCursor(6); err != nil {
		t.Fatal(err)
	}
	// A lower write must not move the cursor backwards.
	if err := db.SetSequenceCursor(3); err != nil {
		t.Fatal(err)
	}

	cursor, err = db.LastSequenceCursor()
	if err != nil {
		t.Fatal(err)
	}
	if cursor != 6 {
		t.Errorf("cursor = %d, want 6", cursor)
	}
}

func TestSequenceCursorSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSequenceCursor(42); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db2.Close() }()
	cursor, err := db2.LastSequenceCursor()
	if err != nil {
		t.Fatal(err)
	}
	if cursor != 42 {
		t.Errorf("cursor after reopen = %d, want 42", cursor)
	}
}

func TestUploadTaskLifecycle(t *testing.T) {
	db := testDB(t)

	task := &UploadTask{ID: "u1", ChatID: "chat1", TargetMessageID: "c1", FilePath: "/tmp/a.jpg", MediaKind: "image", Priority: 10, State: UploadPending, Retryable: true}
	if err := db.SaveUploadTask(task); err != nil {
		t.Fatal(err)
	}

	if err := db.UpdateUploadState("u1", UploadUploading, 40, "", true); err != nil {
		t.Fatal(err)
	}
	tasks, err := db.ListUploadTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].State != UploadUploading || tasks[0].Progress != 40 {
		t.Errorf("tasks = %+v, want one uploading at 40%%", tasks)
	}

	if err := db.DeleteUploadTask("u1"); err != nil {
		t.Fatal(err)
	}
	tasks, err = db.ListUploadTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("got %d tasks after delete, want 0", len(tasks))
	}
}

func TestUploadTasksOrderedByPriorityThenArrival(t *testing.T) {
	db := testDB(t)

	for _, task := range []*UploadTask{
		{ID: "low", ChatID: "c", TargetMessageID: "m1", FilePath: "/f1", Priority: 50, State: UploadPending, CreatedAt: 1},
		{ID: "urgent", ChatID: "c", TargetMessageID: "m2", FilePath: "/f2", Priority: 1, State: UploadPending, CreatedAt: 2},
		{ID: "urgent2", ChatID: "c", TargetMessageID: "m3", FilePath: "/f3", Priority: 1, State: UploadPending, CreatedAt: 3},
	} {
		if err := db.SaveUploadTask(task); err != nil {
			t.Fatal(err)
		}
	}

	tasks, err := db.ListUploadTasks()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"urgent", "urgent2", "low"}
	for i, id := range want {
		if tasks[i].ID != id {
			t.Errorf("tasks[%d] = %s, want %s", i, tasks[i].ID, id)
		}
	}
}

func TestResetInterruptedUploads(t *testing.T) {
	db := testDB(t)

	states := map[string]string{
		"a": UploadUploading,
		"b": UploadCompressing,
		"c": UploadCompleted,
		"d": UploadFailed,
	}
	for id, state := range states {
		task := &UploadTask{ID: id, ChatID: "c", TargetMessageID: id, FilePath: "/" + id, State: state, Progress: 70, Retryable: true}
		if err := db.SaveUploadTask(task); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.ResetInterruptedUploads(); err != nil {
		t.Fatal(err)
	}

	tasks, err := db.ListUploadTasks()
	if err != nil {
		t.Fatal(err)
	}
	byID := map[string]UploadTask{}
	for _, task := range tasks {
		byID[task.ID] = task
	}

	for _, id := range []string{"a", "b"} {
		if byID[id].State != UploadPending || byID[id].Progress != 0 {
			t.Errorf("task %s = %s/%d, want pending/0", id, byID[id].State, byID[id].Progress)
		}
	}
	if byID["c"].State != UploadCompleted {
		t.Errorf("completed task was reset: %+v", byID["c"])
	}
	if byID["d"].State != UploadFailed {
		t.Errorf("failed task must wait for manual retry: %+v", byID["d"])
	}
}

func TestIncrementUploadRetry(t *testing.T) {
	db := testDB(t)

	task := &UploadTask{ID: "u1", ChatID: "c", TargetMessageID: "m", FilePath: "/f", State: UploadFailed, Progress: 30, Retryable: true, Error: "network"}
	if err := db.SaveUploadTask(task); err != nil {
		t.Fatal(err)
	}
	matched, err := db.IncrementUploadRetry("u1")
	if err != nil {
		t.Fatal(err)
	}
	if !matched {
		t.Fatal("failed task did not match the retry guard")
	}

	tasks, err := db.ListUploadTasks()
	if err != nil {
		t.Fatal(err)
	}
	got := tasks[0]
	if got.State != UploadPending || got.Progress != 0 || got.RetryCount != 1 || got.Error != "" {
		t.Errorf("task = %+v, want pending/0 with retry_count=1", got)
	}

	// The task is pending now; a second retry must not match.
	matched, err = db.IncrementUploadRetry("u1")
	if err != nil {
		t.Fatal(err)
	}
	if matched {
		t.Error("retry matched a task that is not failed")
	}
}

func TestReactionUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	r := &Reaction{MessageID: "s1", UserID: "u2", Emoji: "❤️", Active: true}
	if err := db.UpsertReaction(r); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertReaction(r); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetReaction("s1", "u2")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Emoji != "❤️" || !got.Active {
		t.Errorf("reaction = %+v", got)
	}
}

func TestPeerStatePartialUpserts(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertPresence("u2", true, 1000); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertProfile("u2", "chill", "https://a/x.png"); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertChatMode("u2", "fight"); err != nil {
		t.Fatal(err)
	}

	p, err := db.GetPeer("u2")
	if err != nil {
		t.Fatal(err)
	}
	// Each writer owns its own fields; none may clobber the others.
	if !p.Online || p.LastSeen != 1000 || p.Mood != "chill" || p.ChatMode != "fight" {
		t.Errorf("peer = %+v", p)
	}
}

func TestClearChatHistoryIdempotent(t *testing.T) {
	db := testDB(t)

	for i, cid := range []string{"c1", "c2"} {
		m := &Message{CorrelationID: cid, ServerID: "s" + cid, ChatID: "chat1", Text: "x", Status: StatusRead, Timestamp: int64(1000 + i)}
		if err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.ClearChatHistory("chat1"); err != nil {
		t.Fatal(err)
	}
	if err := db.ClearChatHistory("chat1"); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("chat1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages after clear, want 0", len(msgs))
	}
}
