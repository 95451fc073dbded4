package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultPollInterval = 20 * time.Millisecond

// SQLiteQueue is a persistent task queue backed by SQLite. Tasks survive a
// restart, which is what lets delayed sequence steps wait for days. Among due
// tasks it hands out the earliest NotBefore first, then insertion order.
type SQLiteQueue struct {
	db   *sql.DB
	poll time.Duration
}

var _ Queue = (*SQLiteQueue)(nil)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id      TEXT    NOT NULL,
	type         TEXT    NOT NULL,
	log_id       TEXT    NOT NULL DEFAULT '',
	subject_id   TEXT    NOT NULL DEFAULT '',
	trigger_type TEXT    NOT NULL DEFAULT '',
	payload      BLOB,
	enqueued_at  INTEGER NOT NULL,
	not_before   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(not_before, seq);`

// claimDue removes the next due row and hands it back in one statement, so two
// workers sharing the database never claim the same task.
const claimDue = `
DELETE FROM tasks
WHERE seq = (
	SELECT seq FROM tasks
	WHERE not_before <= ?
	ORDER BY not_before, seq
	LIMIT 1
)
RETURNING task_id, type, log_id, subject_id, trigger_type, payload, enqueued_at, not_before`

// NewSQLiteQueue creates the tasks table if needed.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	if _, err := db.Exec(createTasksTable); err != nil {
		return nil, fmt.Errorf("taskqueue: init schema: %w", err)
	}
	return &SQLiteQueue{db: db, poll: defaultPollInterval}, nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	payload, err := marshalPayload(t.Payload)
	if err != nil {
		return err
	}
	prepare(&t, time.Now())

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO tasks (task_id, type, log_id, subject_id, trigger_type, payload, enqueued_at, not_before)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Type), t.LogID, t.SubjectID, t.Trigger, payload,
		t.EnqueuedAt.UnixNano(), t.NotBefore.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("taskqueue: enqueue %s: %w", t.Type, err)
	}
	return nil
}

// Dequeue polls until a task is due or ctx ends.
func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Task, error) {
	tick := time.NewTicker(q.poll)
	defer tick.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := q.claim(ctx, time.Now())
		if err != nil || t != nil {
			return t, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tick.C:
		}
	}
}

func (q *SQLiteQueue) claim(ctx context.Context, now time.Time) (*Task, error) {
	t, err := scanTask(q.db.QueryRowContext(ctx, claimDue, now.UnixNano()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func scanTask(row *sql.Row) (*Task, error) {
	var (
		t         Task
		kind      string
		payload   []byte
		enqueued  int64
		notBefore int64
	)
	if err := row.Scan(&t.ID, &kind, &t.LogID, &t.SubjectID, &t.Trigger, &payload, &enqueued, &notBefore); err != nil {
		return nil, err
	}
	v, err := unmarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	t.Type = TaskType(kind)
	t.Payload = v
	t.EnqueuedAt = time.Unix(0, enqueued)
	t.NotBefore = time.Unix(0, notBefore)
	return &t, nil
}

// Len counts queued tasks, due or not. It reports 0 if the count fails.
func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
