// Package maintenance runs the engine's periodic housekeeping tasks.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/secmon/internal/observability"
)

const (
	TaskHistoryPrune = "history-prune"
	TaskLedgerDecay  = "ledger-decay"

	DefaultPruneInterval = time.Hour
	DefaultDecayInterval = 6 * time.Hour
)

var (
	// ErrUnknownTask is returned by RunNow for an unregistered name.
	ErrUnknownTask = errors.New("unknown maintenance task")
	// ErrAlreadyStarted is returned by Start and Register after Start.
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// TaskFunc is one housekeeping pass.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	mu       sync.Mutex // one run at a time
}

// Scheduler runs every registered task on its own ticker. There is one timer
// per task, never one per event.
type Scheduler struct {
	logger  *zap.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	tasks   map[string]*task
	order   []string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// New creates an empty scheduler.
func New(logger *zap.Logger, metrics *observability.Metrics) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger:  logger,
		metrics: metrics,
		tasks:   make(map[string]*task),
	}
}

// Register adds a task. Names must be unique and interval positive.
func (s *Scheduler) Register(name string, interval time.Duration, fn TaskFunc) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}
	if fn == nil {
		return fmt.Errorf("task %s: nil function", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		return ErrAlreadyStarted
	}
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("task %s already registered", name)
	}
	s.tasks[name] = &task{name: name, interval: interval, fn: fn}
	s.order = append(s.order, name)
	return nil
}

// Tasks returns registered task names in registration order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Start launches one goroutine per task. Tasks stop when ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, s.cancel = context.WithCancel(ctx)
	for _, name := range s.order {
		t := s.tasks[name]
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.logger.Info("Maintenance scheduler started", zap.Strings("tasks", s.order))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.run(ctx, t)
		}
	}
}

// Stop cancels every timer and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// RunNow runs the named task synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.run(ctx, t)
}

// run executes t, converting a panic into an error.
func (s *Scheduler) run(ctx context.Context, t *task) (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in task %s: %v", t.name, r)
		}
		status := "ok"
		if err != nil {
			status = "error"
			s.logger.Warn("Maintenance task failed", zap.String("task", t.name), zap.Error(err))
		} else {
			s.logger.Debug("Maintenance task completed", zap.String("task", t.name), zap.Duration("duration", time.Since(start)))
		}
		s.metrics.MaintenanceRan(t.name, status)
	}()

	return t.fn(ctx)
}
