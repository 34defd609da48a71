package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"nightowl/internal/clock"
	"nightowl/internal/project"
	"nightowl/internal/storage"
	logx "nightowl/pkg/logx"
)

// Config controls retry and paging behaviour.
//
// Defaults:
//   - max_retries: 3 when nil; an explicit 0 disables retries
//   - page_size: 32
type Config struct {
	MaxRetries *int
	PageSize   int
}

// Retries returns n as a MaxRetries value.
func Retries(n int) *int { return &n }

func (c Config) withDefaults() Config {
	switch {
	case c.MaxRetries == nil:
		c.MaxRetries = Retries(3)
	case *c.MaxRetries < 0:
		c.MaxRetries = Retries(0)
	default:
		c.MaxRetries = Retries(*c.MaxRetries)
	}
	if c.PageSize <= 0 {
		c.PageSize = 32
	}
	return c
}

// Store is the durable task record.
type Store struct {
	db    *storage.DB
	clock clock.Clock
	log   logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func NewStore(db *storage.DB, cfg Config, clk clock.Clock, log logx.Logger) *Store {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{db: db, clock: clk, log: log, cfg: cfg.withDefaults()}
}

// Apply swaps retry/paging limits. Tasks already in flight keep their retry_count.
func (s *Store) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Store) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

const taskColumns = `id, description, priority, project_id, status, retry_count,
	error_message, result, created_at, started_at, completed_at, deleted_at`

type rowScanner func(dest ...any) error

func scanTask(scan rowScanner) (Task, error) {
	var (
		t         Task
		projectID sql.NullString
		errMsg    sql.NullString
		result    sql.NullString
		created   int64
		started   sql.NullInt64
		completed sql.NullInt64
		deleted   sql.NullInt64
	)
	if err := scan(&t.ID, &t.Description, &t.Priority, &projectID, &t.Status, &t.RetryCount,
		&errMsg, &result, &created, &started, &completed, &deleted); err != nil {
		return Task{}, err
	}
	t.ProjectID = projectID.String
	t.Error = errMsg.String
	t.Result = result.String
	t.CreatedAt = storage.FromMillis(created)
	t.StartedAt = storage.TimePtr(started)
	t.CompletedAt = storage.TimePtr(completed)
	t.DeletedAt = storage.TimePtr(deleted)
	return t, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTask(ctx context.Context, q queryer, id int64) (Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, notFound(id)
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// Submit inserts a new pending task.
func (s *Store) Submit(ctx context.Context, sub Submission) (Task, error) {
	desc := strings.TrimSpace(sub.Description)
	if desc == "" {
		return Task{}, &ValidationError{Field: "description", Reason: "must not be empty"}
	}
	if sub.Priority == "" {
		sub.Priority = PriorityThought
	}
	if !sub.Priority.Valid() {
		return Task{}, &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown class %q", sub.Priority)}
	}
	projectID := strings.TrimSpace(sub.ProjectID)

	var out Task
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		if projectID != "" {
			// Checked in the same transaction as the insert so a concurrent
			// trash cannot slip between check and insert.
			var trashed bool
			err := tx.QueryRowContext(ctx, `SELECT trashed FROM projects WHERE id = ?`, projectID).Scan(&trashed)
			if errors.Is(err, sql.ErrNoRows) {
				return &ValidationError{Field: "project", Reason: fmt.Sprintf("unknown project %q", projectID)}
			}
			if err != nil {
				return fmt.Errorf("check project: %w", err)
			}
			if trashed {
				return &project.TrashedError{ProjectID: projectID}
			}
		}

		now := s.now()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tasks(description, priority, priority_rank, project_id, status, retry_count, created_at)
			 VALUES(?,?,?,?,?,0,?)`,
			desc, sub.Priority, sub.Priority.Rank(), storage.NullString(projectID), StatusPending, storage.Millis(now),
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		out, err = getTask(ctx, tx, id)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id int64) (Task, error) {
	return getTask(ctx, s.db, id)
}

// ListPending yields pending tasks ordered by priority (serious first), then
// submission time, then id. Each page is read and released before its tasks
// are yielded, so callers may write to the store while ranging. Ranging
// again starts over from the first page.
func (s *Store) ListPending(ctx context.Context) iter.Seq2[Task, error] {
	return func(yield func(Task, error) bool) {
		size := s.config().PageSize
		var cursor *Task
		for {
			page, err := s.pendingPage(ctx, cursor, size)
			if err != nil {
				yield(Task{}, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < size {
				return
			}
			last := page[len(page)-1]
			cursor = &last
		}
	}
}

func (s *Store) pendingPage(ctx context.Context, after *Task, limit int) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ?`
	args := []any{StatusPending}
	if after != nil {
		rank := after.Priority.Rank()
		created := storage.Millis(after.CreatedAt)
		q += ` AND (priority_rank < ? OR (priority_rank = ? AND (created_at > ? OR (created_at = ? AND id > ?))))`
		args = append(args, rank, rank, created, created, after.ID)
	}
	q += ` ORDER BY priority_rank DESC, created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)
	return s.query(ctx, q, args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// transitionError explains why a guarded update touched no rows.
func transitionError(ctx context.Context, tx *sql.Tx, id int64, to Status) error {
	var cur Status
	err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(id)
	}
	if err != nil {
		return fmt.Errorf("read task %d status: %w", id, err)
	}
	return &InvalidTransitionError{TaskID: id, From: cur, To: to}
}

// MarkDispatched moves a task from pending to in_progress. Exactly one of
// several concurrent callers for the same id succeeds.
func (s *Store) MarkDispatched(ctx context.Context, id int64) (Task, error) {
	var out Task
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
			StatusInProgress, storage.Millis(s.now()), id, StatusPending,
		)
		if err != nil {
			return fmt.Errorf("dispatch task %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return transitionError(ctx, tx, id, StatusInProgress)
		}
		out, err = getTask(ctx, tx, id)
		return err
	})
	return out, err
}

// Complete applies an executor report to an in-progress task:
// success -> completed; retryable -> pending while retries remain, else
// failed; fatal -> failed.
func (s *Store) Complete(ctx context.Context, id int64, rep Report) (Task, error) {
	if !rep.Outcome.Valid() {
		return Task{}, &ValidationError{Field: "outcome", Reason: fmt.Sprintf("unknown outcome %q", rep.Outcome)}
	}
	maxRetries := *s.config().MaxRetries

	var out Task
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		cur, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		to := targetStatus(cur, rep.Outcome, maxRetries)
		if cur.Status != StatusInProgress {
			return &InvalidTransitionError{TaskID: id, From: cur.Status, To: to}
		}

		now := storage.Millis(s.now())
		var res sql.Result
		switch to {
		case StatusCompleted:
			res, err = tx.ExecContext(ctx,
				`UPDATE tasks SET status = ?, completed_at = ?, result = ?, error_message = NULL
				 WHERE id = ? AND status = ?`,
				to, now, storage.NullString(rep.Output), id, StatusInProgress)
		case StatusPending:
			res, err = tx.ExecContext(ctx,
				`UPDATE tasks SET status = ?, retry_count = retry_count + 1, started_at = NULL, error_message = ?
				 WHERE id = ? AND status = ?`,
				to, storage.NullString(rep.Error), id, StatusInProgress)
		default:
			cause := rep.Error
			if rep.Outcome == OutcomeRetryable {
				cause = strings.TrimSpace(fmt.Sprintf("retries exhausted (%d): %s", cur.RetryCount, rep.Error))
			}
			res, err = tx.ExecContext(ctx,
				`UPDATE tasks SET status = ?, completed_at = ?, error_message = ?, result = ?
				 WHERE id = ? AND status = ?`,
				to, now, storage.NullString(cause), storage.NullString(rep.Output), id, StatusInProgress)
		}
		if err != nil {
			return fmt.Errorf("complete task %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return transitionError(ctx, tx, id, to)
		}
		out, err = getTask(ctx, tx, id)
		return err
	})
	return out, err
}

// Release returns an in-progress task that never started executing to
// pending. retry_count is unchanged.
func (s *Store) Release(ctx context.Context, id int64, reason string) (Task, error) {
	var out Task
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, started_at = NULL, error_message = ? WHERE id = ? AND status = ?`,
			StatusPending, storage.NullString(reason), id, StatusInProgress)
		if err != nil {
			return fmt.Errorf("release task %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return transitionError(ctx, tx, id, StatusPending)
		}
		out, err = getTask(ctx, tx, id)
		return err
	})
	return out, err
}

func targetStatus(cur Task, o Outcome, maxRetries int) Status {
	switch o {
	case OutcomeSuccess:
		return StatusCompleted
	case OutcomeRetryable:
		if cur.RetryCount < maxRetries {
			return StatusPending
		}
	}
	return StatusFailed
}

// Cancel soft-deletes a pending or in-progress task. The row is kept.
func (s *Store) Cancel(ctx context.Context, id int64) (Task, error) {
	var out Task
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		now := storage.Millis(s.now())
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, deleted_at = ?, completed_at = ?
			 WHERE id = ? AND status IN (?, ?)`,
			StatusCancelled, now, now, id, StatusPending, StatusInProgress,
		)
		if err != nil {
			return fmt.Errorf("cancel task %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return transitionError(ctx, tx, id, StatusCancelled)
		}
		out, err = getTask(ctx, tx, id)
		return err
	})
	return out, err
}

// CancelProject cancels every pending task of a project and returns their ids.
func (s *Store) CancelProject(ctx context.Context, projectID string) ([]int64, error) {
	var ids []int64
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		ids = ids[:0]
		rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE project_id = ? AND status = ?`, projectID, StatusPending)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		now := storage.Millis(s.now())
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, deleted_at = ?, completed_at = ? WHERE project_id = ? AND status = ?`,
			StatusCancelled, now, now, projectID, StatusPending)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cancel project %s tasks: %w", projectID, err)
	}
	return ids, nil
}

// RecoverInFlight requeues every in-progress task. It runs once at startup,
// when no execution can have survived the previous process.
func (s *Store) RecoverInFlight(ctx context.Context) (int64, error) {
	var n int64
	err := storage.RetryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, started_at = NULL, error_message = ? WHERE status = ?`,
			StatusPending, ReasonRecovered, StatusInProgress)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recover in-flight tasks: %w", err)
	}
	return n, nil
}

// SweepTimeouts fails in-progress tasks started more than maxAge before now.
func (s *Store) SweepTimeouts(ctx context.Context, maxAge time.Duration) ([]Task, error) {
	if maxAge <= 0 {
		return nil, nil
	}
	now := s.now()
	cutoff := storage.Millis(now.Add(-maxAge))
	cause := fmt.Sprintf("%s: exceeded %s limit", ReasonTimeout, maxAge)

	var out []Task
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		out = out[:0]
		rows, err := tx.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
			StatusInProgress, cutoff)
		if err != nil {
			return err
		}
		var stale []Task
		for rows.Next() {
			t, err := scanTask(rows.Scan)
			if err != nil {
				rows.Close()
				return err
			}
			stale = append(stale, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, t := range stale {
			res, err := tx.ExecContext(ctx,
				`UPDATE tasks SET status = ?, completed_at = ?, error_message = ? WHERE id = ? AND status = ?`,
				StatusFailed, storage.Millis(now), cause, t.ID, StatusInProgress)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			t.Status = StatusFailed
			t.Error = cause
			done := now
			t.CompletedAt = &done
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sweep timeouts: %w", err)
	}
	return out, nil
}

// UpdatePriority re-classes a pending task.
func (s *Store) UpdatePriority(ctx context.Context, id int64, p Priority) (Task, error) {
	if !p.Valid() {
		return Task{}, &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown class %q", p)}
	}
	var out Task
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET priority = ?, priority_rank = ? WHERE id = ? AND status = ?`,
			p, p.Rank(), id, StatusPending)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			cur, err := getTask(ctx, tx, id)
			if err != nil {
				return err
			}
			return &ValidationError{Field: "status", Reason: fmt.Sprintf("task %d is %s; only pending tasks can be re-prioritized", id, cur.Status)}
		}
		out, err = getTask(ctx, tx, id)
		return err
	})
	return out, err
}

// CountByStatus tallies all tasks.
func (s *Store) CountByStatus(ctx context.Context) (Counts, error) {
	return s.counts(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
}

// CountInProgress is the number of occupied execution slots. Cancelled
// tasks never count, even if their execution is still winding down.
func (s *Store) CountInProgress(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?`, StatusInProgress).Scan(&n); err != nil {
		return 0, fmt.Errorf("count in-progress: %w", err)
	}
	return n, nil
}

// FinishedSince tallies tasks that reached a terminal state at or after since.
func (s *Store) FinishedSince(ctx context.Context, since time.Time) (Counts, error) {
	return s.counts(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE completed_at IS NOT NULL AND completed_at >= ? GROUP BY status`,
		storage.Millis(since))
}

func (s *Store) counts(ctx context.Context, q string, args ...any) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return Counts{}, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	var c Counts
	for rows.Next() {
		var (
			st Status
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return Counts{}, err
		}
		c.add(st, n)
	}
	return c, rows.Err()
}

// ProjectCounts tallies tasks per project (tasks without a project are skipped).
func (s *Store) ProjectCounts(ctx context.Context) (map[string]Counts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, status, COUNT(*) FROM tasks WHERE project_id IS NOT NULL GROUP BY project_id, status`)
	if err != nil {
		return nil, fmt.Errorf("project counts: %w", err)
	}
	defer rows.Close()
	out := map[string]Counts{}
	for rows.Next() {
		var (
			pid string
			st  Status
			n   int
		)
		if err := rows.Scan(&pid, &st, &n); err != nil {
			return nil, err
		}
		c := out[pid]
		c.add(st, n)
		out[pid] = c
	}
	return out, rows.Err()
}

// List returns tasks newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.ProjectID != "" {
		q += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return s.query(ctx, q, args...)
}
