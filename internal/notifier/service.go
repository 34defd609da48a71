package notifier

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"nightowl/internal/eventbus"
	rtsup "nightowl/internal/runtime/supervisor"
	"nightowl/internal/transport"
	logx "nightowl/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoTarget  = errors.New("notifier has no target chat")
)

const historySize = 100

// Service delivers messages to one chat target.
//
// It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	target  transport.ChatTarget
	sender  Sender
	log     logx.Logger

	queue chan string
	sup   *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[uint64]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	sent, failed, dropped, deduped atomic.Uint64
}

func New(cfg Config, sender Sender, target transport.ChatTarget, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, target: target, log: log, dedup: map[uint64]time.Time{}}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	s.cfg = cfg
	// Burst equals the per-second rate so a short run of events goes out at once.
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		s.limiter.SetBurst(cfg.RatePerSec)
	}
}

// SetTarget changes the destination chat for messages not yet sent.
func (s *Service) SetTarget(t transport.ChatTarget) {
	s.mu.Lock()
	s.target = t
	s.mu.Unlock()
}

// Start launches the delivery worker. The queue size is fixed at Start.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	s.queue = make(chan string, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	q := s.queue
	s.sup.GoRestart("notifier.worker", func(c context.Context) error {
		s.worker(c, q)
		return c.Err()
	})
}

// Stop stops delivery. Messages still queued are discarded once ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.queue = nil
	s.mu.Unlock()
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

// Notify queues text for delivery without blocking.
func (s *Service) Notify(text string) error {
	s.mu.Lock()
	cfg, q, target := s.cfg, s.queue, s.target
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case q == nil:
		return ErrStopped
	case target.ChatID == 0:
		return ErrNoTarget
	case text == "":
		return nil
	}
	if cfg.DedupWindow > 0 && !s.dedupAllow(text, cfg.DedupWindow) {
		s.deduped.Add(1)
		return nil
	}
	select {
	case q <- text:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

// Watch forwards formatted bus events until ctx is done.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			s.mu.Lock()
			quiet := s.cfg.Quiet
			s.mu.Unlock()
			if quiet && (e.Type == eventbus.TaskSubmitted || e.Type == eventbus.TaskDispatched) {
				continue
			}
			text, ok := FormatEvent(e)
			if !ok {
				continue
			}
			if err := s.Notify(text); err != nil && !errors.Is(err, ErrDisabled) {
				s.log.Debug("notification not queued", logx.String("event", string(e.Type)), logx.Err(err))
			}
		}
	}
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	st := Stats{Queued: len(s.queue), Disabled: !s.cfg.Enabled}
	s.mu.Unlock()
	st.Sent = s.sent.Load()
	st.Failed = s.failed.Load()
	st.Dropped = s.dropped.Load()
	st.Deduped = s.deduped.Load()
	return st
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) worker(ctx context.Context, q <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-q:
			s.send(ctx, text)
		}
	}
}

func (s *Service) send(ctx context.Context, text string) {
	s.mu.Lock()
	cfg, lim, target, sender := s.cfg, s.limiter, s.target, s.sender
	s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := sender.SendText(callCtx, target, text, &transport.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.appendHistory(text, nil)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Int("attempt", attempt+1), logx.Err(err))
		if attempt == cfg.RetryMax {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay(cfg.RetryBase, attempt)):
		}
	}
	s.failed.Add(1)
	s.appendHistory(text, lastErr)
	s.log.Warn("notification failed", logx.Int("attempts", cfg.RetryMax+1), logx.Err(lastErr))
}

func (s *Service) appendHistory(text string, err error) {
	item := HistoryItem{At: time.Now(), Text: text}
	if err != nil {
		item.Err = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) dedupAllow(text string, window time.Duration) bool {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	key := h.Sum64()
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

// retryDelay is base*2^attempt with 0.7..1.3 jitter, capped at 30s.
func retryDelay(base time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d <= 0 || d > 30*time.Second {
		d = 30 * time.Second
	}
	return time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
}
