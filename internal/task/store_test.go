package task

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"nightowl/internal/clock"
	"nightowl/internal/project"
	"nightowl/internal/storage"
	"nightowl/internal/storage/storagetest"
	logx "nightowl/pkg/logx"
)

var t0 = time.Date(2026, 3, 14, 21, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, cfg Config) (*Store, *clock.Fixed, *storage.DB) {
	t.Helper()
	db := storagetest.Open(t)
	clk := clock.NewFixed(t0)
	return NewStore(db, cfg, clk, logx.Nop()), clk, db
}

func mustSubmit(t *testing.T, s *Store, desc string, p Priority) Task {
	t.Helper()
	tk, err := s.Submit(context.Background(), Submission{Description: desc, Priority: p})
	if err != nil {
		t.Fatalf("Submit(%q): %v", desc, err)
	}
	return tk
}

func collect(t *testing.T, s *Store) []Task {
	t.Helper()
	var out []Task
	for tk, err := range s.ListPending(context.Background()) {
		if err != nil {
			t.Fatalf("ListPending: %v", err)
		}
		out = append(out, tk)
	}
	return out
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestStore(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name  string
		sub   Submission
		field string
	}{
		{"empty description", Submission{Description: "   ", Priority: PrioritySerious}, "description"},
		{"bad priority", Submission{Description: "x", Priority: "urgent"}, "priority"},
		{"unknown project", Submission{Description: "x", ProjectID: "nope"}, "project"},
	}
	for _, tt := range tests {
		_, err := s.Submit(ctx, tt.sub)
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Field != tt.field {
			t.Fatalf("%s: err = %v, want ValidationError on %s", tt.name, err, tt.field)
		}
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: errors.Is(ErrValidation) = false", tt.name)
		}
	}
	c, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Total() != 0 {
		t.Fatalf("rejected submissions were stored: %+v", c)
	}
}

func TestSubmitDefaultsAndTrashedProject(t *testing.T) {
	t.Parallel()
	s, _, db := newTestStore(t, Config{})
	ctx := context.Background()

	tk := mustSubmit(t, s, "  write docs  ", "")
	if tk.Priority != PriorityThought || tk.Status != StatusPending || tk.Description != "write docs" {
		t.Fatalf("unexpected task: %+v", tk)
	}
	if !tk.CreatedAt.Equal(t0) {
		t.Fatalf("CreatedAt = %v, want %v", tk.CreatedAt, t0)
	}

	if _, err := db.ExecContext(ctx,
		`INSERT INTO projects(id, display_name, workspace_path, trashed, created_at) VALUES('old','Old','/w/old',1,1),('live','Live','/w/live',0,1)`); err != nil {
		t.Fatal(err)
	}
	_, err := s.Submit(ctx, Submission{Description: "x", ProjectID: "old"})
	var te *project.TrashedError
	if !errors.As(err, &te) || te.ProjectID != "old" {
		t.Fatalf("err = %v, want TrashedError", err)
	}
	live, err := s.Submit(ctx, Submission{Description: "x", ProjectID: "live", Priority: PrioritySerious})
	if err != nil {
		t.Fatalf("submit to live project: %v", err)
	}
	if live.ProjectID != "live" {
		t.Fatalf("ProjectID = %q", live.ProjectID)
	}
}

func TestListPendingOrder(t *testing.T) {
	t.Parallel()
	// Page size 2 forces several keyset pages.
	s, clk, _ := newTestStore(t, Config{PageSize: 2})

	a := mustSubmit(t, s, "a", PriorityThought)
	clk.Advance(time.Second)
	b := mustSubmit(t, s, "b", PrioritySerious)
	clk.Advance(time.Second)
	c := mustSubmit(t, s, "c", PriorityThought)
	d := mustSubmit(t, s, "d", PrioritySerious) // same created_at as c
	clk.Advance(time.Second)
	e := mustSubmit(t, s, "e", PrioritySerious)

	got := collect(t, s)
	want := []int64{b.ID, d.ID, e.ID, a.ID, c.ID}
	if len(got) != len(want) {
		t.Fatalf("got %d tasks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("position %d: got id %d, want %d", i, got[i].ID, want[i])
		}
	}

	// Restartable: a second range starts from the beginning.
	again := collect(t, s)
	if len(again) != len(want) || again[0].ID != b.ID {
		t.Fatalf("second range differs: %v", again)
	}
}

func TestListPendingEarlyStopAndWritesWhileRanging(t *testing.T) {
	t.Parallel()
	s, clk, _ := newTestStore(t, Config{PageSize: 1})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		mustSubmit(t, s, "t", PrioritySerious)
		clk.Advance(time.Millisecond)
	}

	dispatched := 0
	for tk, err := range s.ListPending(ctx) {
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.MarkDispatched(ctx, tk.ID); err != nil {
			t.Fatalf("MarkDispatched inside range: %v", err)
		}
		dispatched++
		if dispatched == 2 {
			break
		}
	}
	n, err := s.CountInProgress(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("in progress = %d, want 2", n)
	}
}

func TestMarkDispatchedExactlyOnce(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestStore(t, Config{})
	ctx := context.Background()
	tk := mustSubmit(t, s, "once", PrioritySerious)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, trans int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.MarkDispatched(ctx, tk.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInvalidTransition):
				trans++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || trans != workers-1 {
		t.Fatalf("ok=%d invalid=%d, want 1 and %d", ok, trans, workers-1)
	}

	got, err := s.Get(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusInProgress || got.StartedAt == nil {
		t.Fatalf("unexpected task after dispatch: %+v", got)
	}
}

func TestMarkDispatchedNotFound(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestStore(t, Config{})
	if _, err := s.MarkDispatched(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCompleteOutcomes(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestStore(t, Config{MaxRetries: Retries(1)})
	ctx := context.Background()

	ok := mustSubmit(t, s, "ok", PrioritySerious)
	if _, err := s.MarkDispatched(ctx, ok.ID); err != nil {
		t.Fatal(err)
	}
	done, err := s.Complete(ctx, ok.ID, Report{Outcome: OutcomeSuccess, Output: "all good"})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusCompleted || done.CompletedAt == nil || done.Result != "all good" {
		t.Fatalf("unexpected completed task: %+v", done)
	}
	if _, err := s.Complete(ctx, ok.ID, Report{Outcome: OutcomeSuccess}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("duplicate completion err = %v", err)
	}

	flaky := mustSubmit(t, s, "flaky", PrioritySerious)
	if _, err := s.MarkDispatched(ctx, flaky.ID); err != nil {
		t.Fatal(err)
	}
	retried, err := s.Complete(ctx, flaky.ID, Report{Outcome: OutcomeRetryable, Error: "rate limited"})
	if err != nil {
		t.Fatal(err)
	}
	if retried.Status != StatusPending || retried.RetryCount != 1 || retried.StartedAt != nil {
		t.Fatalf("unexpected retried task: %+v", retried)
	}
	if _, err := s.MarkDispatched(ctx, flaky.ID); err != nil {
		t.Fatal(err)
	}
	exhausted, err := s.Complete(ctx, flaky.ID, Report{Outcome: OutcomeRetryable, Error: "rate limited"})
	if err != nil {
		t.Fatal(err)
	}
	if exhausted.Status != StatusFailed || !strings.Contains(exhausted.Error, "retries exhausted") {
		t.Fatalf("unexpected exhausted task: %+v", exhausted)
	}

	fatal := mustSubmit(t, s, "fatal", PrioritySerious)
	if _, err := s.MarkDispatched(ctx, fatal.ID); err != nil {
		t.Fatal(err)
	}
	failed, err := s.Complete(ctx, fatal.ID, Report{Outcome: OutcomeFatal, Error: "bad prompt"})
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != StatusFailed || failed.Error != "bad prompt" || failed.RetryCount != 0 {
		t.Fatalf("unexpected failed task: %+v", failed)
	}

	pending := mustSubmit(t, s, "never ran", PriorityThought)
	if _, err := s.Complete(ctx, pending.ID, Report{Outcome: OutcomeSuccess}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completing a pending task: err = %v", err)
	}
	if _, err := s.Complete(ctx, pending.ID, Report{Outcome: "maybe"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown outcome: err = %v", err)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestStore(t, Config{})
	ctx := context.Background()

	a := mustSubmit(t, s, "a", PrioritySerious)
	got, err := s.Cancel(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCancelled || got.DeletedAt == nil {
		t.Fatalf("unexpected cancelled task: %+v", got)
	}
	if _, err := s.Cancel(ctx, a.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second cancel: err = %v", err)
	}
	if _, err := s.Get(ctx, a.ID); err != nil {
		t.Fatalf("cancelled row should remain: %v", err)
	}

	b := mustSubmit(t, s, "b", PrioritySerious)
	if _, err := s.MarkDispatched(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Cancel(ctx, b.ID); err != nil {
		t.Fatalf("cancel in-progress: %v", err)
	}
	if n, _ := s.CountInProgress(ctx); n != 0 {
		t.Fatalf("cancelled task still counted in progress: %d", n)
	}
	// The executor reporting late must not resurrect it.
	if _, err := s.Complete(ctx, b.ID, Report{Outcome: OutcomeSuccess}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("late completion: err = %v", err)
	}
	if len(collect(t, s)) != 0 {
		t.Fatal("cancelled tasks should not be pending")
	}
}

func TestCancelProject(t *testing.T) {
	t.Parallel()
	s, _, db := newTestStore(t, Config{})
	ctx := context.Background()
	if _, err := db.ExecContext(ctx,
		`INSERT INTO projects(id, display_name, workspace_path, created_at) VALUES('p','P','/w/p',1)`); err != nil {
		t.Fatal(err)
	}
	p1, _ := s.Submit(ctx, Submission{Description: "1", ProjectID: "p"})
	p2, _ := s.Submit(ctx, Submission{Description: "2", ProjectID: "p"})
	other := mustSubmit(t, s, "other", PriorityThought)
	if _, err := s.MarkDispatched(ctx, p2.ID); err != nil {
		t.Fatal(err)
	}

	ids, err := s.CancelProject(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != p1.ID {
		t.Fatalf("cancelled ids = %v, want [%d]", ids, p1.ID)
	}
	pending := collect(t, s)
	if len(pending) != 1 || pending[0].ID != other.ID {
		t.Fatalf("pending after project cancel = %v", pending)
	}

	counts, err := s.ProjectCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c := counts["p"]; c.Cancelled != 1 || c.InProgress != 1 {
		t.Fatalf("project counts = %+v", c)
	}
}

func TestRecoverInFlight(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestStore(t, Config{})
	ctx := context.Background()
	a := mustSubmit(t, s, "a", PrioritySerious)
	b := mustSubmit(t, s, "b", PrioritySerious)
	mustSubmit(t, s, "c", PrioritySerious)
	for _, id := range []int64{a.ID, b.ID} {
		if _, err := s.MarkDispatched(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.RecoverInFlight(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("recovered = %d, want 2", n)
	}
	got, _ := s.Get(ctx, a.ID)
	if got.Status != StatusPending || got.Error != ReasonRecovered || got.RetryCount != 0 {
		t.Fatalf("unexpected recovered task: %+v", got)
	}
	if len(collect(t, s)) != 3 {
		t.Fatal("all three tasks should be pending")
	}
}

func TestSweepTimeouts(t *testing.T) {
	t.Parallel()
	s, clk, _ := newTestStore(t, Config{})
	ctx := context.Background()
	old := mustSubmit(t, s, "old", PrioritySerious)
	if _, err := s.MarkDispatched(ctx, old.ID); err != nil {
		t.Fatal(err)
	}
	clk.Advance(50 * time.Minute)
	fresh := mustSubmit(t, s, "fresh", PrioritySerious)
	if _, err := s.MarkDispatched(ctx, fresh.ID); err != nil {
		t.Fatal(err)
	}
	clk.Advance(15 * time.Minute)

	swept, err := s.SweepTimeouts(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(swept) != 1 || swept[0].ID != old.ID {
		t.Fatalf("swept = %+v, want only %d", swept, old.ID)
	}
	got, _ := s.Get(ctx, old.ID)
	if got.Status != StatusFailed || !strings.HasPrefix(got.Error, ReasonTimeout) {
		t.Fatalf("unexpected timed-out task: %+v", got)
	}
	if g, _ := s.Get(ctx, fresh.ID); g.Status != StatusInProgress {
		t.Fatalf("fresh task status = %s", g.Status)
	}
	if swept, _ := s.SweepTimeouts(ctx, 0); swept != nil {
		t.Fatal("zero max age should disable the sweep")
	}
}

func TestUpdatePriority(t *testing.T) {
	t.Parallel()
	s, clk, _ := newTestStore(t, Config{})
	ctx := context.Background()
	a := mustSubmit(t, s, "a", PrioritySerious)
	clk.Advance(time.Second)
	b := mustSubmit(t, s, "b", PriorityThought)

	if _, err := s.UpdatePriority(ctx, b.ID, PrioritySerious); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdatePriority(ctx, a.ID, PriorityThought); err != nil {
		t.Fatal(err)
	}
	got := collect(t, s)
	if got[0].ID != b.ID {
		t.Fatalf("first pending = %d, want %d", got[0].ID, b.ID)
	}

	if _, err := s.MarkDispatched(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdatePriority(ctx, b.ID, PriorityThought); !errors.Is(err, ErrValidation) {
		t.Fatalf("re-prioritizing a running task: err = %v", err)
	}
	if _, err := s.UpdatePriority(ctx, 404, PriorityThought); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: err = %v", err)
	}
}

func TestListAndFinishedSince(t *testing.T) {
	t.Parallel()
	s, clk, _ := newTestStore(t, Config{})
	ctx := context.Background()
	a := mustSubmit(t, s, "a", PrioritySerious)
	mustSubmit(t, s, "b", PriorityThought)
	if _, err := s.MarkDispatched(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute)
	if _, err := s.Complete(ctx, a.ID, Report{Outcome: OutcomeSuccess}); err != nil {
		t.Fatal(err)
	}

	all, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Description != "b" {
		t.Fatalf("List = %+v", all)
	}
	done, err := s.List(ctx, Filter{Status: StatusCompleted})
	if err != nil || len(done) != 1 {
		t.Fatalf("List(completed) = %v, %v", done, err)
	}

	c, err := s.FinishedSince(ctx, t0)
	if err != nil {
		t.Fatal(err)
	}
	if c.Completed != 1 || c.Total() != 1 {
		t.Fatalf("FinishedSince = %+v", c)
	}
	c, _ = s.FinishedSince(ctx, clk.Now().Add(time.Second))
	if c.Total() != 0 {
		t.Fatalf("FinishedSince(future) = %+v", c)
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusCompleted, false},
		{StatusInProgress, StatusPending, true},
		{StatusCompleted, StatusPending, false},
		{StatusCancelled, StatusInProgress, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestParsePriority(t *testing.T) {
	t.Parallel()
	for raw, want := range map[string]Priority{"task": PrioritySerious, "THINK": PriorityThought, "serious": PrioritySerious} {
		got, err := ParsePriority(raw)
		if err != nil || got != want {
			t.Fatalf("ParsePriority(%q) = %q, %v", raw, got, err)
		}
	}
	if _, err := ParsePriority("meh"); err == nil {
		t.Fatal("expected error")
	}
}

func TestZeroRetriesFailsImmediately(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestStore(t, Config{MaxRetries: Retries(0)})
	ctx := context.Background()

	tk := mustSubmit(t, s, "one shot", PrioritySerious)
	if _, err := s.MarkDispatched(ctx, tk.ID); err != nil {
		t.Fatal(err)
	}
	got, err := s.Complete(ctx, tk.ID, Report{Outcome: OutcomeRetryable, Error: "rate limited"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.RetryCount != 0 {
		t.Fatalf("explicit zero retries: %+v", got)
	}

	def, _, _ := newTestStore(t, Config{})
	if n := *def.config().MaxRetries; n != 3 {
		t.Fatalf("default max retries = %d, want 3", n)
	}
}

func TestReleaseKeepsRetryCount(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestStore(t, Config{})
	ctx := context.Background()

	tk := mustSubmit(t, s, "queued", PrioritySerious)
	if _, err := s.MarkDispatched(ctx, tk.ID); err != nil {
		t.Fatal(err)
	}
	got, err := s.Release(ctx, tk.ID, "dispatch: executor queue full")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending || got.RetryCount != 0 || got.StartedAt != nil {
		t.Fatalf("released task: %+v", got)
	}
	if _, err := s.Release(ctx, tk.ID, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("release of pending task err = %v", err)
	}
}
