package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "bulksender/pkg/logx"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db         *sql.DB
	log        logx.Logger
	maxRetries int
	now        func() time.Time
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*sqliteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	maxRetries := cfg.MaxRetryAttempts
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, busy))
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, maxRetries: maxRetries, now: time.Now}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if err := migrate(ctx, db, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path), logx.Int("max_retry_attempts", maxRetries))
	return st, nil
}

// sqliteDSN puts pragmas in the DSN so every pooled connection gets them.
func sqliteDSN(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) MaxRetryAttempts() int { return s.maxRetries }

// withTx runs fn in one transaction. The DSN sets _txlock=immediate so the
// write lock is taken at BEGIN.
func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) nowMS() int64 { return s.now().UnixMilli() }

// ---- jobs ----

func (s *sqliteStore) CreateJob(ctx context.Context, j NewJob) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.insertJob(ctx, tx, j)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *sqliteStore) insertJob(ctx context.Context, tx *sql.Tx, j NewJob) (int64, error) {
	if strings.TrimSpace(j.Text) == "" && strings.TrimSpace(j.Attachment) == "" {
		return 0, ErrEmptyJob
	}
	now := s.nowMS()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO jobs(status, message_text, attachment_path, delay_min_ms, delay_max_ms, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)`,
		string(JobPending), nullStr(j.Text), nullStr(j.Attachment),
		j.DelayMin.Milliseconds(), j.DelayMax.Milliseconds(), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return res.LastInsertId()
}

func (s *sqliteStore) AddMessages(ctx context.Context, jobID int64, recipients []string) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = s.insertMessages(ctx, tx, jobID, recipients)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteStore) CreateJobWithMessages(ctx context.Context, j NewJob, recipients []string) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if id, err = s.insertJob(ctx, tx, j); err != nil {
			return err
		}
		_, err = s.insertMessages(ctx, tx, id, recipients)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// insertMessages copies the job's text and attachment into each row.
func (s *sqliteStore) insertMessages(ctx context.Context, tx *sql.Tx, jobID int64, recipients []string) (int, error) {
	var text, attach sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT message_text, attachment_path FROM jobs WHERE id = ?`, jobID,
	).Scan(&text, &attach)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrJobNotFound
	}
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages(job_id, recipient, message_text, attachment_path, status, created_at)
		 VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := s.nowMS()
	for _, r := range recipients {
		if _, err := stmt.ExecContext(ctx, jobID, r, text, attach, string(MessagePending), now); err != nil {
			return 0, fmt.Errorf("insert message: %w", err)
		}
	}
	if err := s.recomputeStats(ctx, tx, jobID); err != nil {
		return 0, err
	}
	return len(recipients), nil
}

// recomputeStats derives the job counters from the message rows.
func (s *sqliteStore) recomputeStats(ctx context.Context, tx *sql.Tx, jobID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE jobs SET
			total_messages = (SELECT COUNT(*) FROM messages WHERE job_id = ?1),
			sent_count     = (SELECT COUNT(*) FROM messages WHERE job_id = ?1 AND status = ?2),
			failed_count   = (SELECT COUNT(*) FROM messages WHERE job_id = ?1 AND status = ?3),
			updated_at     = ?4
		 WHERE id = ?1`,
		jobID, string(MessageSent), string(MessageFailed), s.nowMS(),
	)
	if err != nil {
		return fmt.Errorf("update job stats: %w", err)
	}
	return nil
}

func (s *sqliteStore) UpdateJobStatus(ctx context.Context, id int64, u StatusUpdate) (bool, error) {
	if !u.To.Valid() {
		return false, fmt.Errorf("unknown job status %q", u.To)
	}
	now := s.nowMS()

	var b strings.Builder
	args := []any{string(u.To), now}
	b.WriteString(`UPDATE jobs SET status = ?, updated_at = ?`)
	if u.StampStarted {
		b.WriteString(`, started_at = COALESCE(started_at, ?)`)
		args = append(args, now)
	}
	if u.StampCompleted {
		b.WriteString(`, completed_at = COALESCE(completed_at, ?)`)
		args = append(args, now)
	}
	b.WriteString(` WHERE id = ?`)
	args = append(args, id)
	if len(u.From) > 0 {
		b.WriteString(` AND status IN (`)
		for i, st := range u.From {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString("?")
			args = append(args, string(st))
		}
		b.WriteString(`)`)
	}

	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, b.String(), args...)
		if err != nil {
			return fmt.Errorf("update job status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			changed = true
			return nil
		}
		return jobExists(ctx, tx, id)
	})
	return changed, err
}

func (s *sqliteStore) CompleteIfDone(ctx context.Context, id int64) (bool, error) {
	var done bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.nowMS()
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, completed_at = COALESCE(completed_at, ?), updated_at = ?
			 WHERE id = ? AND status = ? AND sent_count + failed_count >= total_messages`,
			string(JobCompleted), now, now, id, string(JobRunning),
		)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			done = true
			return nil
		}
		return jobExists(ctx, tx, id)
	})
	return done, err
}

func jobExists(ctx context.Context, tx *sql.Tx, id int64) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	return err
}

const jobColumns = `id, status, message_text, attachment_path, delay_min_ms, delay_max_ms,
	total_messages, sent_count, failed_count, created_at, updated_at, started_at, completed_at`

func (s *sqliteStore) GetJob(ctx context.Context, id int64) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	return j, err
}

func (s *sqliteStore) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *sqliteStore) ListActiveJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (?,?,?) ORDER BY id ASC`,
		string(ActiveStatuses[0]), string(ActiveStatuses[1]), string(ActiveStatuses[2]),
	)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrJobNotFound
		}
		return nil
	})
}

// ---- messages ----

const messageColumns = `id, job_id, recipient, message_text, attachment_path, status,
	retry_count, last_attempt_at, sent_at, last_error, created_at`

// NextPending skips messages abandoned by a stopped job, messages whose job row
// is gone, and the jobs in skip, so none of them can hold the head of the
// global queue.
func (s *sqliteStore) NextPending(ctx context.Context, jobID int64, skip ...int64) (Message, bool, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + messageColumns + ` FROM messages WHERE status = ?`)
	args := []any{string(MessagePending)}
	if jobID > 0 {
		b.WriteString(` AND job_id = ?`)
		args = append(args, jobID)
	}
	b.WriteString(` AND job_id IN (SELECT id FROM jobs WHERE status <> ?)`)
	args = append(args, string(JobStopped))
	if len(skip) > 0 {
		b.WriteString(` AND job_id NOT IN (?` + strings.Repeat(",?", len(skip)-1) + `)`)
		for _, id := range skip {
			args = append(args, id)
		}
	}
	b.WriteString(` ORDER BY id ASC LIMIT 1`)

	m, err := scanMessage(s.db.QueryRowContext(ctx, b.String(), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

func (s *sqliteStore) GetMessage(ctx context.Context, id int64) (Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	return m, err
}

func (s *sqliteStore) MarkSent(ctx context.Context, id int64) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		if m.Status.Terminal() {
			return nil
		}
		now := s.nowMS()
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET status = ?, sent_at = ?, last_attempt_at = ? WHERE id = ?`,
			string(MessageSent), now, now, id,
		); err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
		changed = true
		return s.recomputeStats(ctx, tx, m.JobID)
	})
	return changed, err
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id int64, reason string, permanent bool) (Message, error) {
	var out Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		if m.Status.Terminal() {
			out = m
			return nil
		}

		m.RetryCount++
		m.Status = MessagePending
		if permanent || m.RetryCount >= s.maxRetries {
			m.Status = MessageFailed
		}
		at := s.now()
		m.LastAttemptAt = msTimePtr(at.UnixMilli())
		m.LastError = reason

		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET status = ?, retry_count = ?, last_attempt_at = ?, last_error = ? WHERE id = ?`,
			string(m.Status), m.RetryCount, at.UnixMilli(), nullStr(reason), id,
		); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		out = m
		return s.recomputeStats(ctx, tx, m.JobID)
	})
	if err != nil {
		return Message{}, err
	}
	return out, nil
}

func (s *sqliteStore) RecordAttempt(ctx context.Context, id int64, reason string) (Message, error) {
	var out Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		m, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		out = m
		if m.Status.Terminal() {
			return nil
		}
		at := s.now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET last_attempt_at = ?, last_error = ? WHERE id = ?`,
			at.UnixMilli(), nullStr(reason), id,
		); err != nil {
			return fmt.Errorf("record attempt: %w", err)
		}
		out.LastAttemptAt = msTimePtr(at.UnixMilli())
		out.LastError = reason
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return out, nil
}

func (s *sqliteStore) ListMessages(ctx context.Context, jobID int64, status MessageStatus) ([]Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE job_id = ? AND status = ? ORDER BY id ASC`,
			jobID, string(status))
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE job_id = ? ORDER BY id ASC`, jobID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- scanning ----

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (Job, error) {
	var (
		j                 Job
		status            string
		text, attach      sql.NullString
		dminMS, dmaxMS    int64
		createdMS, updMS  int64
		startedMS, doneMS sql.NullInt64
	)
	if err := sc.Scan(&j.ID, &status, &text, &attach, &dminMS, &dmaxMS,
		&j.Total, &j.Sent, &j.Failed, &createdMS, &updMS, &startedMS, &doneMS); err != nil {
		return Job{}, err
	}
	j.Status = JobStatus(status)
	j.Text = text.String
	j.Attachment = attach.String
	j.DelayMin = time.Duration(dminMS) * time.Millisecond
	j.DelayMax = time.Duration(dmaxMS) * time.Millisecond
	j.CreatedAt = time.UnixMilli(createdMS)
	j.UpdatedAt = time.UnixMilli(updMS)
	j.StartedAt = nullTime(startedMS)
	j.CompletedAt = nullTime(doneMS)
	return j, nil
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanMessage(sc scanner) (Message, error) {
	var (
		m                 Message
		status            string
		text, attach      sql.NullString
		lastErr           sql.NullString
		attemptMS, sentMS sql.NullInt64
		createdMS         int64
	)
	if err := sc.Scan(&m.ID, &m.JobID, &m.Recipient, &text, &attach, &status,
		&m.RetryCount, &attemptMS, &sentMS, &lastErr, &createdMS); err != nil {
		return Message{}, err
	}
	m.Status = MessageStatus(status)
	m.Text = text.String
	m.Attachment = attach.String
	m.LastError = lastErr.String
	m.LastAttemptAt = nullTime(attemptMS)
	m.SentAt = nullTime(sentMS)
	m.CreatedAt = time.UnixMilli(createdMS)
	return m, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	return msTimePtr(v.Int64)
}

func msTimePtr(ms int64) *time.Time {
	t := time.UnixMilli(ms)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
