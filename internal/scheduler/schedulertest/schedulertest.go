// Package schedulertest builds a scheduler over a temporary database for
// front-end tests.
package schedulertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"nightowl/internal/budget"
	"nightowl/internal/clock"
	"nightowl/internal/money"
	"nightowl/internal/project"
	"nightowl/internal/scheduler"
	"nightowl/internal/storage/storagetest"
	"nightowl/internal/task"
	"nightowl/internal/usage"
	logx "nightowl/pkg/logx"
)

// Dispatcher records dispatches and aborts.
type Dispatcher struct {
	mu      sync.Mutex
	Sent    []scheduler.Dispatch
	Aborted []int64
}

func (d *Dispatcher) Dispatch(_ context.Context, x scheduler.Dispatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Sent = append(d.Sent, x)
	return nil
}

func (d *Dispatcher) Abort(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Aborted = append(d.Aborted, id)
	return false
}

type Env struct {
	Scheduler *scheduler.Scheduler
	Projects  *project.Registry
	Ledger    *usage.Ledger
	Clock     *clock.Fixed
	Disp      *Dispatcher
}

// Noon is a day-period instant under the default window.
var Noon = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// New returns a recovered scheduler at Noon with a $10 daily budget and a
// $0.10 estimate per task.
func New(t testing.TB) *Env {
	t.Helper()
	db := storagetest.Open(t)
	clk := clock.NewFixed(Noon)
	projects := project.NewRegistry(db, t.TempDir(), clk, logx.Nop())
	ledger := usage.NewLedger(db, clk, logx.Nop())
	bm, err := budget.NewManager(budget.DefaultConfig(), ledger)
	if err != nil {
		t.Fatal(err)
	}
	disp := &Dispatcher{}
	s, err := scheduler.New(scheduler.Config{
		MaxParallel:       2,
		EstimatedTaskCost: money.FromDollars(0.10),
		MaxTaskDuration:   time.Hour,
	}, scheduler.Deps{
		Tasks:      task.NewStore(db, task.Config{}, clk, logx.Nop()),
		Projects:   projects,
		Usage:      ledger,
		Budget:     bm,
		Dispatcher: disp,
		Clock:      clk,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	return &Env{Scheduler: s, Projects: projects, Ledger: ledger, Clock: clk, Disp: disp}
}
