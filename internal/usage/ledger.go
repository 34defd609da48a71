// Package usage records what each execution attempt actually cost.
package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"nightowl/internal/clock"
	"nightowl/internal/money"
	"nightowl/internal/storage"
	logx "nightowl/pkg/logx"
)

// Record is one immutable usage entry. Retries of a task produce one record
// per attempt.
type Record struct {
	ID            int64         `json:"id"`
	TaskID        int64         `json:"task_id"`
	RunID         string        `json:"run_id,omitempty"`
	ProjectID     string        `json:"project_id,omitempty"`
	Cost          money.Money   `json:"cost_micros"`
	DurationTotal time.Duration `json:"duration_total"`
	DurationAPI   time.Duration `json:"duration_api"`
	Turns         int           `json:"turns"`
	RecordedAt    time.Time     `json:"recorded_at"`
}

// Ledger is the append-only usage log.
type Ledger struct {
	db    *storage.DB
	clock clock.Clock
	log   logx.Logger
}

func NewLedger(db *storage.DB, clk clock.Clock, log logx.Logger) *Ledger {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{db: db, clock: clk, log: log}
}

// Append stores rec. A zero RecordedAt is stamped with the ledger clock.
func (l *Ledger) Append(ctx context.Context, rec Record) (Record, error) {
	if rec.TaskID <= 0 {
		return Record{}, errors.New("usage record needs a task id")
	}
	if rec.Cost < 0 {
		return Record{}, fmt.Errorf("usage record for task %d has negative cost %s", rec.TaskID, rec.Cost)
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = l.clock.Now()
	}
	rec.RecordedAt = rec.RecordedAt.UTC()

	err := storage.RetryOnBusy(ctx, 5, func() error {
		res, err := l.db.ExecContext(ctx,
			`INSERT INTO usage_records(task_id, run_id, project_id, cost_micros, duration_total_ms, duration_api_ms, turns, recorded_at)
			 VALUES(?,?,?,?,?,?,?,?)`,
			rec.TaskID, rec.RunID, storage.NullString(rec.ProjectID), int64(rec.Cost),
			rec.DurationTotal.Milliseconds(), rec.DurationAPI.Milliseconds(), rec.Turns,
			storage.Millis(rec.RecordedAt))
		if err != nil {
			return err
		}
		rec.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Record{}, fmt.Errorf("append usage for task %d: %w", rec.TaskID, err)
	}
	l.log.Debug("usage recorded",
		logx.Int64("task_id", rec.TaskID),
		logx.String("run_id", rec.RunID),
		logx.Stringer("cost", rec.Cost),
	)
	return rec, nil
}

// SumSince totals costs recorded at or after since.
func (l *Ledger) SumSince(ctx context.Context, since time.Time) (money.Money, error) {
	return l.sum(ctx, `SELECT COALESCE(SUM(cost_micros), 0) FROM usage_records WHERE recorded_at >= ?`,
		storage.Millis(since))
}

// SumBetween totals costs in [from, to).
func (l *Ledger) SumBetween(ctx context.Context, from, to time.Time) (money.Money, error) {
	return l.sum(ctx, `SELECT COALESCE(SUM(cost_micros), 0) FROM usage_records WHERE recorded_at >= ? AND recorded_at < ?`,
		storage.Millis(from), storage.Millis(to))
}

// TodayTotal totals costs since the UTC day start of now.
func (l *Ledger) TodayTotal(ctx context.Context, now time.Time) (money.Money, error) {
	return l.SumSince(ctx, clock.DayStart(now))
}

func (l *Ledger) sum(ctx context.Context, q string, args ...any) (money.Money, error) {
	var total int64
	if err := l.db.QueryRowContext(ctx, q, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return money.Money(total), nil
}

const recordColumns = `id, task_id, run_id, project_id, cost_micros, duration_total_ms, duration_api_ms, turns, recorded_at`

// ForTask lists a task's records in insertion order.
func (l *Ledger) ForTask(ctx context.Context, taskID int64) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM usage_records WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("usage for task %d: %w", taskID, err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			r          Record
			projectID  sql.NullString
			cost       int64
			total, api int64
			at         int64
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &r.RunID, &projectID, &cost, &total, &api, &r.Turns, &at); err != nil {
			return nil, err
		}
		r.ProjectID = projectID.String
		r.Cost = money.Money(cost)
		r.DurationTotal = time.Duration(total) * time.Millisecond
		r.DurationAPI = time.Duration(api) * time.Millisecond
		r.RecordedAt = storage.FromMillis(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ByProjectSince totals costs per project since a point in time. Tasks
// without a project are keyed by "".
func (l *Ledger) ByProjectSince(ctx context.Context, since time.Time) (map[string]money.Money, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT COALESCE(project_id, ''), SUM(cost_micros) FROM usage_records
		 WHERE recorded_at >= ? GROUP BY COALESCE(project_id, '')`, storage.Millis(since))
	if err != nil {
		return nil, fmt.Errorf("usage by project: %w", err)
	}
	defer rows.Close()
	out := map[string]money.Money{}
	for rows.Next() {
		var (
			pid   string
			total int64
		)
		if err := rows.Scan(&pid, &total); err != nil {
			return nil, err
		}
		out[pid] = money.Money(total)
	}
	return out, rows.Err()
}

// Summary aggregates a time range for reports.
type Summary struct {
	Runs          int           `json:"runs"`
	Cost          money.Money   `json:"cost_micros"`
	DurationTotal time.Duration `json:"duration_total"`
	DurationAPI   time.Duration `json:"duration_api"`
	Turns         int           `json:"turns"`
}

// SummarizeSince aggregates every record at or after since.
func (l *Ledger) SummarizeSince(ctx context.Context, since time.Time) (Summary, error) {
	var (
		s          Summary
		cost       int64
		total, api int64
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(cost_micros),0), COALESCE(SUM(duration_total_ms),0),
		        COALESCE(SUM(duration_api_ms),0), COALESCE(SUM(turns),0)
		 FROM usage_records WHERE recorded_at >= ?`, storage.Millis(since)).
		Scan(&s.Runs, &cost, &total, &api, &s.Turns)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize usage: %w", err)
	}
	s.Cost = money.Money(cost)
	s.DurationTotal = time.Duration(total) * time.Millisecond
	s.DurationAPI = time.Duration(api) * time.Millisecond
	return s, nil
}
