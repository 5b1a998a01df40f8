package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lvonguyen/secmon/internal/security"
	"github.com/lvonguyen/secmon/internal/store"
)

const (
	DefaultLookback       = 24 * time.Hour
	DefaultHistoryLimit   = 100
	DefaultHistoryTimeout = 250 * time.Millisecond
)

var (
	// ErrHistoryTimeout means the history query ran out of time. Rules were
	// evaluated against the current event only.
	ErrHistoryTimeout = errors.New("history query timed out")
	// ErrHistoryUnavailable means the history query failed. Rules that need
	// history were skipped.
	ErrHistoryUnavailable = errors.New("history unavailable")
	// ErrConditionPanic means a rule condition panicked and was treated as no match.
	ErrConditionPanic = errors.New("rule condition panicked")
)

// HistorySource returns recent events. store.Store satisfies it.
type HistorySource interface {
	QueryEvents(ctx context.Context, f store.EventFilter) ([]*security.Event, error)
}

// EngineOptions tunes history retrieval. Zero values take the defaults.
type EngineOptions struct {
	Lookback       time.Duration
	HistoryLimit   int
	HistoryTimeout time.Duration
}

// Engine evaluates an immutable rule list. It is safe for concurrent use.
type Engine struct {
	source    HistorySource
	rules     []Rule
	byTrigger map[security.EventType][]*Rule
	opts      EngineOptions
}

// NewEngine validates rs and builds an engine. Rule names must be unique.
func NewEngine(source HistorySource, rs []Rule, opts EngineOptions) (*Engine, error) {
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = DefaultHistoryTimeout
	}

	e := &Engine{
		source:    source,
		rules:     make([]Rule, len(rs)),
		byTrigger: make(map[security.EventType][]*Rule),
		opts:      opts,
	}
	copy(e.rules, rs)

	seen := make(map[string]bool, len(rs))
	for i := range e.rules {
		r := &e.rules[i]
		if err := r.validate(); err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
		e.byTrigger[r.Trigger] = append(e.byTrigger[r.Trigger], r)
	}
	return e, nil
}

// Rules returns a copy of the rule list in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate returns the rules that match ev, in rule order. Derived events
// never match. A non-nil error reports a degraded evaluation; the returned
// matches are still valid and should be acted on.
func (e *Engine) Evaluate(ctx context.Context, ev *security.Event) ([]Match, error) {
	if ev == nil || ev.Derived {
		return nil, nil
	}
	candidates := e.byTrigger[ev.Type]
	if len(candidates) == 0 {
		return nil, nil
	}

	needHistory := false
	for _, r := range candidates {
		if r.NeedsHistory() {
			needHistory = true
			break
		}
	}

	var (
		history   []*security.Event
		historyOK = true
		errs      []error
	)
	if needHistory {
		var err error
		history, err = e.fetchHistory(ctx, ev)
		switch {
		case errors.Is(err, ErrHistoryTimeout):
			history = nil
			errs = append(errs, err)
		case err != nil:
			historyOK = false
			errs = append(errs, err)
		}
	}
	history = withCurrent(history, ev)

	var matches []Match
	for _, r := range candidates {
		if r.NeedsHistory() && !historyOK {
			continue
		}
		ok, err := safeCondition(r, ev, history)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			matches = append(matches, Match{Rule: r, Event: ev})
		}
	}
	return matches, errors.Join(errs...)
}

func (e *Engine) fetchHistory(ctx context.Context, ev *security.Event) ([]*security.Event, error) {
	if ev.ActorID == "" || e.source == nil {
		return nil, nil
	}

	qctx, cancel := context.WithTimeout(ctx, e.opts.HistoryTimeout)
	defer cancel()

	history, err := e.source.QueryEvents(qctx, store.EventFilter{
		ActorID: ev.ActorID,
		Start:   ev.Timestamp.Add(-e.opts.Lookback),
		Limit:   e.opts.HistoryLimit,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %v", ErrHistoryTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrHistoryUnavailable, err)
	}
	return history, nil
}

// withCurrent puts ev at the head of history unless it is already present.
func withCurrent(history []*security.Event, ev *security.Event) []*security.Event {
	for _, h := range history {
		if h.ID == ev.ID {
			return history
		}
	}
	out := make([]*security.Event, 0, len(history)+1)
	out = append(out, ev)
	return append(out, history...)
}

func safeCondition(r *Rule, ev *security.Event, history []*security.Event) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			ok = false
			err = fmt.Errorf("%w: %s: %v", ErrConditionPanic, r.Name, p)
		}
	}()
	return r.Condition(ev, history), nil
}
