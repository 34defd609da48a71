// Package eventbus fans task lifecycle events out to in-process listeners.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Type names a lifecycle event.
type Type string

const (
	TaskSubmitted  Type = "task.submitted"
	TaskDispatched Type = "task.dispatched"
	TaskCompleted  Type = "task.completed"
	TaskRetrying   Type = "task.retrying"
	TaskFailed     Type = "task.failed"
	TaskCancelled  Type = "task.cancelled"
	TaskTimedOut   Type = "task.timed_out"
	BudgetPaused   Type = "budget.paused"
	BudgetResumed  Type = "budget.resumed"
	ProjectTrashed Type = "project.trashed"
	DailyReport    Type = "report.daily"
)

// Event is one published signal. Data is a small value owned by the
// publisher's package (a task, a report); receivers must not mutate it.
//
// Publish never blocks. Each subscriber has a bounded buffer and loses
// events when it falls behind; Dropped counts those losses.
type Event struct {
	Type Type
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe receives every event, or only the listed types when any are given.
	Subscribe(buffer int, types ...Type) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory bus. It starts no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types []Type
}

func (s *sub) wants(t Type) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot so no lock is held while sending.
	b.mu.RLock()
	targets := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(s.ch, e)
	}
}

func (b *memBus) deliver(ch chan Event, e Event) {
	// A concurrent unsubscribe may close ch between snapshot and send.
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *memBus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &sub{ch: make(chan Event, buffer), types: slices.Clone(types)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int, ...Type) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
func (Nop) Dropped() uint64 { return 0 }
