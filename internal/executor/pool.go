// Package executor runs dispatched tasks on a bounded worker pool and
// reports each result back to the scheduler exactly once.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"nightowl/internal/scheduler"
	"nightowl/internal/task"
	"nightowl/internal/usage"
	logx "nightowl/pkg/logx"
)

// Result is what one run produced. Usage may be nil when nothing ran.
type Result struct {
	Output string
	Usage  *usage.Record
}

// Runner executes one dispatch. A nil error is success; errors wrapped with
// Fatal fail the task; any other error is retryable.
type Runner interface {
	Run(ctx context.Context, d scheduler.Dispatch) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, d scheduler.Dispatch) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, d scheduler.Dispatch) (Result, error) { return f(ctx, d) }

// Completer receives results. *scheduler.Scheduler implements it.
type Completer interface {
	Complete(ctx context.Context, taskID int64, rep task.Report, rec *usage.Record) (task.Task, error)
}

// Config sizes the pool.
//
// Defaults (when fields are zero):
//   - workers: 3
//   - queue_size: 64
//   - history_size: 100
//   - report_timeout: 30s
type Config struct {
	Workers       int
	QueueSize     int
	HistorySize   int
	ReportTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = 30 * time.Second
	}
	return c
}

// HistoryItem describes a finished run.
type HistoryItem struct {
	TaskID     int64         `json:"task_id"`
	RunID      string        `json:"run_id"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Outcome    task.Outcome  `json:"outcome"`
	Error      string        `json:"error,omitempty"`
	Aborted    bool          `json:"aborted,omitempty"`
}

type queued struct {
	d          scheduler.Dispatch
	enqueuedAt time.Time
}

type running struct {
	runID  string
	cancel context.CancelFunc
}

// Pool is a fixed set of workers fed by a bounded queue.
type Pool struct {
	cfg    Config
	runner Runner
	log    logx.Logger

	queue chan queued

	mu        sync.Mutex
	completer Completer
	active    map[int64]running
	waiting   map[int64]struct{} // queued, not yet picked up
	aborted   map[int64]struct{} // queued runs to drop
	history   []HistoryItem

	started  atomic.Bool
	stopping atomic.Bool
	inFlight atomic.Int32
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(cfg Config, runner Runner, log logx.Logger) *Pool {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:     cfg,
		runner:  runner,
		log:     log,
		queue:   make(chan queued, cfg.QueueSize),
		active:  map[int64]running{},
		waiting: map[int64]struct{}{},
		aborted: map[int64]struct{}{},
	}
}

// SetCompleter wires the result sink. It must be called before Start.
func (p *Pool) SetCompleter(c Completer) {
	p.mu.Lock()
	p.completer = c
	p.mu.Unlock()
}

func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("executor already started")
	}
	p.mu.Lock()
	ok := p.completer != nil
	p.mu.Unlock()
	if !ok {
		return errors.New("executor: completer not set")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Info("executor started", logx.Int("workers", p.cfg.Workers), logx.Int("queue", p.cfg.QueueSize))
	return nil
}

// Stop cancels running work and waits for workers. Interrupted runs are not
// reported; startup recovery requeues them.
func (p *Pool) Stop(ctx context.Context) error {
	if !p.started.Load() || !p.stopping.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() { p.wg.Wait(); close(done) }()
	select {
	case <-done:
		p.log.Info("executor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor stop: %w", ctx.Err())
	}
}

// Dispatch queues d without blocking.
func (p *Pool) Dispatch(_ context.Context, d scheduler.Dispatch) error {
	if !p.started.Load() || p.stopping.Load() {
		return ErrStopped
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.aborted, d.TaskID)
	select {
	case p.queue <- queued{d: d, enqueuedAt: time.Now()}:
		p.waiting[d.TaskID] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

// Abort cancels the run of taskID, or drops it if still queued.
func (p *Pool) Abort(taskID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.active[taskID]; ok {
		r.cancel()
		return true
	}
	if _, ok := p.waiting[taskID]; ok {
		p.aborted[taskID] = struct{}{}
		return true
	}
	return false
}

// InFlight is the number of runs currently executing.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// History returns finished runs, oldest first.
func (p *Pool) History() []HistoryItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]HistoryItem, len(p.history))
	copy(out, p.history)
	return out
}

func (p *Pool) worker(idx int) {
	defer p.wg.Done()
	for {
		// A cancelled pool wins over queued work.
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		select {
		case <-p.ctx.Done():
			return
		case q := <-p.queue:
			p.mu.Lock()
			_, drop := p.aborted[q.d.TaskID]
			delete(p.aborted, q.d.TaskID)
			delete(p.waiting, q.d.TaskID)
			p.mu.Unlock()
			if drop {
				p.log.Debug("dropped aborted run", logx.Int64("task_id", q.d.TaskID), logx.Int("worker", idx))
				continue
			}
			p.inFlight.Add(1)
			p.execOne(q)
			p.inFlight.Add(-1)
		}
	}
}

func (p *Pool) execOne(q queued) {
	d := q.d
	start := time.Now()
	log := p.log.With(logx.Int64("task_id", d.TaskID), logx.String("run_id", d.RunID))

	runCtx, cancel := context.WithCancel(p.ctx)
	p.mu.Lock()
	p.active[d.TaskID] = running{runID: d.RunID, cancel: cancel}
	p.mu.Unlock()
	defer cancel()

	log.Debug("run started", logx.Duration("queue_delay", start.Sub(q.enqueuedAt)))

	var (
		res Result
		err error
	)
	// One bad run must not kill the worker.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = Fatal(fmt.Errorf("panic: %v", r))
				log.Error("run panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		res, err = p.runner.Run(runCtx, d)
	}()

	aborted := runCtx.Err() != nil
	p.mu.Lock()
	if r, ok := p.active[d.TaskID]; ok && r.runID == d.RunID {
		delete(p.active, d.TaskID)
	}
	p.mu.Unlock()

	rep := task.Report{Outcome: task.OutcomeSuccess, Output: res.Output}
	switch {
	case err == nil:
	case IsFatal(err):
		rep.Outcome, rep.Error = task.OutcomeFatal, err.Error()
	default:
		rep.Outcome, rep.Error = task.OutcomeRetryable, err.Error()
	}
	if res.Usage != nil {
		res.Usage.TaskID = d.TaskID
		res.Usage.RunID = d.RunID
		res.Usage.ProjectID = d.ProjectID
	}

	dur := time.Since(start)
	p.record(HistoryItem{
		TaskID: d.TaskID, RunID: d.RunID, Started: start, QueueDelay: start.Sub(q.enqueuedAt),
		Duration: dur, Outcome: rep.Outcome, Error: rep.Error, Aborted: aborted,
	})

	if p.ctx.Err() != nil {
		log.Info("run interrupted by shutdown", logx.Duration("dur", dur))
		return
	}

	p.mu.Lock()
	c := p.completer
	p.mu.Unlock()
	ctx, cancelReport := context.WithTimeout(context.Background(), p.cfg.ReportTimeout)
	defer cancelReport()
	if _, err := c.Complete(ctx, d.TaskID, rep, res.Usage); err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			// Cancelled or timed out while running; usage is booked anyway.
			log.Debug("result discarded", logx.Err(err))
			return
		}
		log.Error("report result failed", logx.Err(err))
		return
	}
	log.Debug("run finished", logx.String("outcome", string(rep.Outcome)), logx.Duration("dur", dur))
}

func (p *Pool) record(item HistoryItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, item)
	if len(p.history) > p.cfg.HistorySize {
		p.history = p.history[len(p.history)-p.cfg.HistorySize:]
	}
}
