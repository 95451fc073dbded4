package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/petrijr/relay/pkg/api"
)

// SQLiteStore implements every store interface on top of SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the interfaces.
var (
	_ SubjectStore     = (*SQLiteStore)(nil)
	_ RuleStore        = (*SQLiteStore)(nil)
	_ SequenceStore    = (*SQLiteStore)(nil)
	_ EnrollmentStore  = (*SQLiteStore)(nil)
	_ SequenceLogStore = (*SQLiteStore)(nil)
	_ InboundLogStore  = (*SQLiteStore)(nil)
	_ APIKeyStore      = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS subjects (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL DEFAULT '',
			archived INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			version INTEGER NOT NULL,
			data BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS rules (
			id TEXT PRIMARY KEY,
			trigger_type TEXT NOT NULL,
			entity_type TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL,
			data BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sequences (
			id TEXT PRIMARY KEY,
			trigger_phase TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL,
			data BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS enrollments (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			sequence_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			started_by TEXT NOT NULL DEFAULT '',
			cancel_reason TEXT NOT NULL DEFAULT '',
			cancelled_by TEXT NOT NULL DEFAULT '',
			cancelled_at INTEGER NOT NULL DEFAULT 0,
			completed_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_enrollments_one_active
			ON enrollments(subject_id, sequence_id) WHERE status = 'active';
		CREATE TABLE IF NOT EXISTS sequence_log (
			id TEXT PRIMARY KEY,
			enrollment_id TEXT NOT NULL,
			sequence_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			scheduled_at INTEGER NOT NULL,
			executed_at INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_sequence_log_pair ON sequence_log(sequence_id, subject_id, status);
		CREATE INDEX IF NOT EXISTS idx_sequence_log_due ON sequence_log(status, scheduled_at);
		CREATE TABLE IF NOT EXISTS inbound_messages (
			message_id TEXT PRIMARY KEY,
			from_phone TEXT NOT NULL DEFAULT '',
			to_phone TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			subject_id TEXT NOT NULL DEFAULT '',
			subject_name TEXT NOT NULL DEFAULT '',
			matched_ids BLOB,
			automation_fired INTEGER NOT NULL DEFAULT 0,
			received_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS api_keys (
			key TEXT PRIMARY KEY,
			source TEXT NOT NULL DEFAULT '',
			entity_type TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL
		);
	`)
	return err
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// --- subjects ---

func (s *SQLiteStore) SaveSubject(ctx context.Context, subj *api.Subject) error {
	subj.Version = 1
	data, err := encodeGob(subj)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subjects (id, entity_type, archived, created_at, version, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		subj.ID,
		string(subj.EntityType),
		boolInt(subj.Archived),
		unixNano(subj.CreatedAt),
		subj.Version,
		data,
	)
	return err
}

func (s *SQLiteStore) GetSubject(ctx context.Context, id string) (*api.Subject, error) {
	var data []byte
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT version, data FROM subjects WHERE id = ?`, id).Scan(&version, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubjectNotFound
		}
		return nil, err
	}
	subj, err := decodeGob[api.Subject](data)
	if err != nil {
		return nil, err
	}
	subj.Version = version
	return &subj, nil
}

func (s *SQLiteStore) ListSubjects(ctx context.Context, filter SubjectFilter) ([]*api.Subject, error) {
	query := `SELECT version, data FROM subjects`
	var args []any
	var clauses []string

	if filter.EntityType != "" {
		clauses = append(clauses, "entity_type = ?")
		args = append(args, string(filter.EntityType))
	}
	if !filter.IncludeArchived {
		clauses = append(clauses, "archived = 0")
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subjects []*api.Subject
	for rows.Next() {
		var data []byte
		var version int64
		if err := rows.Scan(&version, &data); err != nil {
			return nil, err
		}
		subj, err := decodeGob[api.Subject](data)
		if err != nil {
			return nil, err
		}
		subj.Version = version
		subjects = append(subjects, &subj)
	}
	return subjects, rows.Err()
}

func (s *SQLiteStore) UpdateSubject(ctx context.Context, subj *api.Subject) error {
	expect := subj.Version
	subj.Version = expect + 1
	data, err := encodeGob(subj)
	if err != nil {
		subj.Version = expect
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE subjects
		SET entity_type = ?, archived = ?, version = ?, data = ?
		WHERE id = ? AND version = ?`,
		string(subj.EntityType),
		boolInt(subj.Archived),
		subj.Version,
		data,
		subj.ID,
		expect,
	)
	if err != nil {
		subj.Version = expect
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		subj.Version = expect
		return err
	}
	if affected == 0 {
		subj.Version = expect
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subjects WHERE id = ?`, subj.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrSubjectNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

// --- rules ---

func (s *SQLiteStore) SaveRule(ctx context.Context, r api.Rule) error {
	data, err := encodeGob(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (id, trigger_type, entity_type, enabled, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			trigger_type = excluded.trigger_type,
			entity_type = excluded.entity_type,
			enabled = excluded.enabled,
			data = excluded.data`,
		r.ID, string(r.Trigger), string(r.EntityType), boolInt(r.Enabled), data,
	)
	return err
}

func (s *SQLiteStore) ListRules(ctx context.Context, filter RuleFilter) ([]api.Rule, error) {
	query := `SELECT data FROM rules`
	var args []any
	var clauses []string

	if filter.Trigger != "" {
		clauses = append(clauses, "trigger_type = ?")
		args = append(args, string(filter.Trigger))
	}
	if filter.EntityType != "" {
		clauses = append(clauses, "(entity_type = '' OR entity_type = ?)")
		args = append(args, string(filter.EntityType))
	}
	if filter.EnabledOnly {
		clauses = append(clauses, "enabled = 1")
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []api.Rule
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		r, err := decodeGob[api.Rule](data)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// --- sequences ---

func (s *SQLiteStore) SaveSequence(ctx context.Context, seq api.Sequence) error {
	data, err := encodeGob(seq)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sequences (id, trigger_phase, enabled, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			trigger_phase = excluded.trigger_phase,
			enabled = excluded.enabled,
			data = excluded.data`,
		seq.ID, seq.TriggerPhase, boolInt(seq.Enabled), data,
	)
	return err
}

func (s *SQLiteStore) GetSequence(ctx context.Context, id string) (*api.Sequence, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sequences WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSequenceNotFound
		}
		return nil, err
	}
	seq, err := decodeGob[api.Sequence](data)
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

func (s *SQLiteStore) ListSequences(ctx context.Context, filter SequenceFilter) ([]api.Sequence, error) {
	query := `SELECT data FROM sequences`
	var args []any
	var clauses []string

	if filter.TriggerPhase != "" {
		clauses = append(clauses, "trigger_phase = ?")
		args = append(args, filter.TriggerPhase)
	}
	if filter.EnabledOnly {
		clauses = append(clauses, "enabled = 1")
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []api.Sequence
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		seq, err := decodeGob[api.Sequence](data)
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

// --- enrollments ---

const enrollmentColumns = `id, subject_id, sequence_id, status, current_step, started_at, started_by,
	cancel_reason, cancelled_by, cancelled_at, completed_at`

func (s *SQLiteStore) CreateEnrollment(ctx context.Context, e *api.Enrollment) error {
	// Conditional insert: the row is only written when no active enrollment
	// exists for the pair. The partial unique index backs this up under races.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO enrollments (`+enrollmentColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE ? != 'active' OR NOT EXISTS (
			SELECT 1 FROM enrollments
			WHERE subject_id = ? AND sequence_id = ? AND status = 'active'
		)`,
		e.ID, e.SubjectID, e.SequenceID, string(e.Status), e.CurrentStep,
		unixNano(e.StartedAt), e.StartedBy, string(e.CancelReason), e.CancelledBy,
		unixNano(e.CancelledAt), unixNano(e.CompletedAt),
		string(e.Status), e.SubjectID, e.SequenceID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveEnrollment
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrActiveEnrollment
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnrollment(row rowScanner) (*api.Enrollment, error) {
	var (
		e                                   api.Enrollment
		status, reason                      string
		startedAt, cancelledAt, completedAt int64
	)
	if err := row.Scan(&e.ID, &e.SubjectID, &e.SequenceID, &status, &e.CurrentStep, &startedAt,
		&e.StartedBy, &reason, &e.CancelledBy, &cancelledAt, &completedAt); err != nil {
		return nil, err
	}
	e.Status = api.EnrollmentStatus(status)
	e.CancelReason = api.CancelReason(reason)
	e.StartedAt = fromUnixNano(startedAt)
	e.CancelledAt = fromUnixNano(cancelledAt)
	e.CompletedAt = fromUnixNano(completedAt)
	return &e, nil
}

func (s *SQLiteStore) GetEnrollment(ctx context.Context, id string) (*api.Enrollment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = ?`, id)
	e, err := scanEnrollment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, err
	}
	return e, nil
}

func (s *SQLiteStore) UpdateEnrollment(ctx context.Context, e *api.Enrollment, expect api.EnrollmentStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE enrollments
		SET status = ?, current_step = ?, cancel_reason = ?, cancelled_by = ?, cancelled_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(e.Status), e.CurrentStep, string(e.CancelReason), e.CancelledBy,
		unixNano(e.CancelledAt), unixNano(e.CompletedAt),
		e.ID, string(expect),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveEnrollment
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetEnrollment(ctx, e.ID); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *SQLiteStore) ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]*api.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments`
	var args []any
	var clauses []string

	if filter.SubjectID != "" {
		clauses = append(clauses, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.SequenceID != "" {
		clauses = append(clauses, "sequence_id = ?")
		args = append(args, filter.SequenceID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- sequence log ---

const logColumns = `id, enrollment_id, sequence_id, subject_id, step_index, action, status,
	scheduled_at, executed_at, error`

func (s *SQLiteStore) AppendLogEntries(ctx context.Context, entries []api.SequenceLogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sequence_log (`+logColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.EnrollmentID, e.SequenceID, e.SubjectID, e.StepIndex, string(e.Action),
			string(e.Status), unixNano(e.ScheduledAt), unixNano(e.ExecutedAt), e.Error,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func scanLogEntry(row rowScanner) (api.SequenceLogEntry, error) {
	var (
		e                       api.SequenceLogEntry
		action, status          string
		scheduledAt, executedAt int64
	)
	if err := row.Scan(&e.ID, &e.EnrollmentID, &e.SequenceID, &e.SubjectID, &e.StepIndex,
		&action, &status, &scheduledAt, &executedAt, &e.Error); err != nil {
		return e, err
	}
	e.Action = api.ActionType(action)
	e.Status = api.StepStatus(status)
	e.ScheduledAt = fromUnixNano(scheduledAt)
	e.ExecutedAt = fromUnixNano(executedAt)
	return e, nil
}

func (s *SQLiteStore) GetLogEntry(ctx context.Context, id string) (*api.SequenceLogEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM sequence_log WHERE id = ?`, id)
	e, err := scanLogEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLogEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStore) ListLogEntries(ctx context.Context, filter LogFilter) ([]api.SequenceLogEntry, error) {
	query := `SELECT ` + logColumns + ` FROM sequence_log`
	var args []any
	var clauses []string

	if filter.EnrollmentID != "" {
		clauses = append(clauses, "enrollment_id = ?")
		args = append(args, filter.EnrollmentID)
	}
	if filter.SequenceID != "" {
		clauses = append(clauses, "sequence_id = ?")
		args = append(args, filter.SequenceID)
	}
	if filter.SubjectID != "" {
		clauses = append(clauses, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.DueBy.IsZero() {
		clauses = append(clauses, "scheduled_at <= ?")
		args = append(args, filter.DueBy.UnixNano())
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY scheduled_at, step_index"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.SequenceLogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TransitionLogEntry(ctx context.Context, id string, from, to api.StepStatus, at time.Time, errText string) (bool, error) {
	var executedAt int64
	if to == api.StepExecuted || to == api.StepFailed {
		executedAt = unixNano(at)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sequence_log
		SET status = ?, executed_at = CASE WHEN ? != 0 THEN ? ELSE executed_at END, error = ?
		WHERE id = ? AND status = ?`,
		string(to), executedAt, executedAt, errText, id, string(from),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		if _, err := s.GetLogEntry(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *SQLiteStore) CancelPendingEntries(ctx context.Context, sequenceID, subjectID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sequence_log SET status = ?
		WHERE sequence_id = ? AND subject_id = ? AND status = ?`,
		string(api.StepCancelled), sequenceID, subjectID, string(api.StepPending),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- inbound messages ---

func (s *SQLiteStore) ClaimInbound(ctx context.Context, entry api.InboundMessageLogEntry) (bool, error) {
	matched, err := encodeGob(entry.MatchedIDs)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO inbound_messages
			(message_id, from_phone, to_phone, text, subject_id, subject_name, matched_ids, automation_fired, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.MessageID, entry.FromPhone, entry.ToPhone, entry.Text, entry.SubjectID,
		entry.SubjectName, matched, boolInt(entry.AutomationFired), unixNano(entry.ReceivedAt),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *SQLiteStore) UpdateInbound(ctx context.Context, entry api.InboundMessageLogEntry) error {
	matched, err := encodeGob(entry.MatchedIDs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE inbound_messages
		SET subject_id = ?, subject_name = ?, matched_ids = ?, automation_fired = ?
		WHERE message_id = ?`,
		entry.SubjectID, entry.SubjectName, matched, boolInt(entry.AutomationFired), entry.MessageID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInboundNotFound
	}
	return nil
}

func (s *SQLiteStore) ReleaseInbound(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM inbound_messages WHERE message_id = ?`, messageID)
	return err
}

func (s *SQLiteStore) GetInbound(ctx context.Context, messageID string) (*api.InboundMessageLogEntry, error) {
	var (
		e          api.InboundMessageLogEntry
		matched    []byte
		fired      int
		receivedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, from_phone, to_phone, text, subject_id, subject_name, matched_ids, automation_fired, received_at
		FROM inbound_messages WHERE message_id = ?`, messageID,
	).Scan(&e.MessageID, &e.FromPhone, &e.ToPhone, &e.Text, &e.SubjectID, &e.SubjectName, &matched, &fired, &receivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInboundNotFound
		}
		return nil, err
	}
	ids, err := decodeGob[[]string](matched)
	if err != nil {
		return nil, err
	}
	e.MatchedIDs = ids
	e.AutomationFired = fired == 1
	e.ReceivedAt = fromUnixNano(receivedAt)
	return &e, nil
}

// --- api keys ---

func (s *SQLiteStore) SaveAPIKey(ctx context.Context, key api.APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (key, source, entity_type, enabled)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			source = excluded.source,
			entity_type = excluded.entity_type,
			enabled = excluded.enabled`,
		key.Key, key.Source, string(key.EntityType), boolInt(key.Enabled),
	)
	return err
}

func (s *SQLiteStore) GetAPIKey(ctx context.Context, key string) (*api.APIKey, error) {
	var (
		k          api.APIKey
		entityType string
		enabled    int
	)
	err := s.db.QueryRowContext(ctx, `SELECT key, source, entity_type, enabled FROM api_keys WHERE key = ?`, key).
		Scan(&k.Key, &k.Source, &entityType, &enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, err
	}
	k.EntityType = api.EntityType(entityType)
	k.Enabled = enabled == 1
	return &k, nil
}
