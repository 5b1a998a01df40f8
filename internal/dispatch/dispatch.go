// Package dispatch carries out the response actions of matched threat rules.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/lvonguyen/secmon/internal/rules"
	"github.com/lvonguyen/secmon/internal/security"
	"github.com/lvonguyen/secmon/internal/store"
	"github.com/lvonguyen/secmon/internal/syncutil"
)

const (
	DefaultBlockDuration     = 24 * time.Hour
	DefaultSuppressionWindow = 5 * time.Minute
	defaultSuppressionSize   = 10000
)

var (
	// ErrSubscriberPanic wraps a panic recovered from an alert subscriber.
	ErrSubscriberPanic = errors.New("alert subscriber panicked")
	// ErrUnknownAction is returned for a rule whose action is not recognised.
	ErrUnknownAction = errors.New("unknown action")
)

// Subscriber receives alert events. It runs on the processing goroutine and
// should return quickly.
type Subscriber func(ev *security.Event)

// RecordStore is the subset of store.Store the dispatcher writes to.
type RecordStore interface {
	SaveAlert(ctx context.Context, a *security.AlertRecord) error
	SaveBlock(ctx context.Context, b *security.BlockRecord) error
	GetBlock(ctx context.Context, actorID string) (*security.BlockRecord, error)
	SaveEscalation(ctx context.Context, e *security.EscalationRecord) error
}

// Options configures a Dispatcher.
type Options struct {
	BlockDuration time.Duration
	// SuppressionSize bounds the number of remembered (rule, actor) alerts
	// per rule. Zero uses the default; negative disables suppression.
	SuppressionSize int
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Outcome describes what Dispatch did.
type Outcome string

const (
	OutcomeLogged     Outcome = "logged"
	OutcomeAlerted    Outcome = "alerted"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeBlocked    Outcome = "blocked"
	OutcomeEscalated  Outcome = "escalated"
	OutcomeFailed     Outcome = "failed"
)

type subscription struct {
	id uint64
	fn Subscriber
}

// Dispatcher executes rule actions.
type Dispatcher struct {
	store         RecordStore
	logger        *zap.Logger
	clock         func() time.Time
	blockDuration time.Duration
	suppressSize  int

	subMu  sync.RWMutex
	subs   []subscription
	nextID uint64

	// suppressed maps rule name to actor ID to the instant its suppression
	// ends, measured on clock.
	supMu      sync.Mutex
	suppressed map[string]*lru.Cache[string, time.Time]

	actorLocks syncutil.ShardedMutex
}

// New creates a dispatcher writing to s.
func New(s RecordStore, opts Options) *Dispatcher {
	if opts.BlockDuration <= 0 {
		opts.BlockDuration = DefaultBlockDuration
	}
	if opts.SuppressionSize == 0 {
		opts.SuppressionSize = defaultSuppressionSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		store:         s,
		logger:        opts.Logger,
		clock:         opts.Clock,
		blockDuration: opts.BlockDuration,
		suppressSize:  opts.SuppressionSize,
		suppressed:    make(map[string]*lru.Cache[string, time.Time]),
	}
}

// Subscribe registers fn for alert events and returns a function that
// removes it. Calling the returned function more than once is harmless.
func (d *Dispatcher) Subscribe(fn Subscriber) (unsubscribe func()) {
	d.subMu.Lock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscription{id: id, fn: fn})
	d.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.subMu.Lock()
			defer d.subMu.Unlock()
			for i, s := range d.subs {
				if s.id == id {
					d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Dispatch runs rule's action for ev, the event the match produced.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *rules.Rule, ev *security.Event) (Outcome, error) {
	switch rule.Action {
	case rules.ActionLog:
		return OutcomeLogged, nil
	case rules.ActionAlert:
		return d.alert(ctx, rule, ev)
	case rules.ActionBlock:
		return d.block(ctx, rule, ev)
	case rules.ActionEscalate:
		return d.escalate(ctx, rule, ev)
	default:
		return OutcomeFailed, fmt.Errorf("%w: %q", ErrUnknownAction, rule.Action)
	}
}

func (d *Dispatcher) alert(ctx context.Context, rule *rules.Rule, ev *security.Event) (Outcome, error) {
	if d.suppress(rule, ev.ActorID) {
		d.logger.Debug("Alert suppressed",
			zap.String("rule", rule.Name),
			zap.String("actor_id", ev.ActorID),
		)
		return OutcomeSuppressed, nil
	}

	var errs []error
	rec := &security.AlertRecord{
		ID:             uuid.NewString(),
		EventID:        ev.ID,
		TriggerEventID: ev.Details.String(security.DetailOriginalEventID),
		Type:           ev.Type,
		Severity:       ev.Severity,
		ActorID:        ev.ActorID,
		RuleName:       rule.Name,
		Status:         security.AlertActive,
		CreatedAt:      d.clock(),
	}
	if err := d.store.SaveAlert(ctx, rec); err != nil {
		errs = append(errs, fmt.Errorf("save alert: %w", err))
	}

	errs = append(errs, d.notify(ev)...)
	if len(errs) > 0 {
		return OutcomeAlerted, errors.Join(errs...)
	}
	return OutcomeAlerted, nil
}

// suppress reports whether an alert for (rule, actor) was already raised
// inside the rule's window, and remembers this one if not.
func (d *Dispatcher) suppress(rule *rules.Rule, actorID string) bool {
	if d.suppressSize < 0 {
		return false
	}

	window := rule.Window
	if window <= 0 {
		window = DefaultSuppressionWindow
	}
	now := d.clock()

	d.supMu.Lock()
	defer d.supMu.Unlock()

	cache, ok := d.suppressed[rule.Name]
	if !ok {
		var err error
		cache, err = lru.New[string, time.Time](d.suppressSize)
		if err != nil {
			return false
		}
		d.suppressed[rule.Name] = cache
	}

	if until, ok := cache.Get(actorID); ok && now.Before(until) {
		return true
	}
	cache.Add(actorID, now.Add(window))
	return false
}

// notify calls every subscriber, isolating panics so one bad subscriber
// cannot starve the others.
func (d *Dispatcher) notify(ev *security.Event) []error {
	d.subMu.RLock()
	subs := make([]subscription, len(d.subs))
	copy(subs, d.subs)
	d.subMu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := d.invoke(s, ev); err != nil {
			d.logger.Error("Alert subscriber failed",
				zap.Uint64("subscriber", s.id),
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errs
}

func (d *Dispatcher) invoke(s subscription, ev *security.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: subscriber %d: %v", ErrSubscriberPanic, s.id, p)
		}
	}()
	s.fn(ev)
	return nil
}

func (d *Dispatcher) block(ctx context.Context, rule *rules.Rule, ev *security.Event) (Outcome, error) {
	if ev.ActorID == "" {
		d.logger.Warn("Block skipped for anonymous event", zap.String("rule", rule.Name), zap.String("event_id", ev.ID))
		return OutcomeLogged, nil
	}

	unlock := d.actorLocks.Lock(ev.ActorID)
	defer unlock()

	now := d.clock()
	rec := &security.BlockRecord{
		ActorID:   ev.ActorID,
		Reason:    rule.Description,
		RuleName:  rule.Name,
		EventID:   ev.ID,
		BlockedAt: now,
		UnblockAt: now.Add(d.blockDuration),
		Active:    true,
	}
	if existing, err := d.store.GetBlock(ctx, ev.ActorID); err == nil && existing.IsActive(now) {
		rec.BlockedAt = existing.BlockedAt
	}

	if err := d.store.SaveBlock(ctx, rec); err != nil {
		return OutcomeFailed, fmt.Errorf("save block: %w", err)
	}
	d.logger.Warn("Actor blocked",
		zap.String("actor_id", ev.ActorID),
		zap.String("rule", rule.Name),
		zap.Time("unblock_at", rec.UnblockAt),
	)
	return OutcomeBlocked, nil
}

func (d *Dispatcher) escalate(ctx context.Context, rule *rules.Rule, ev *security.Event) (Outcome, error) {
	priority := security.PriorityHigh
	if ev.Severity == security.SeverityCritical {
		priority = security.PriorityUrgent
	}
	rec := &security.EscalationRecord{
		ID:        uuid.NewString(),
		EventID:   ev.ID,
		RuleName:  rule.Name,
		ActorID:   ev.ActorID,
		Status:    security.EscalationPending,
		Priority:  priority,
		CreatedAt: d.clock(),
	}
	if err := d.store.SaveEscalation(ctx, rec); err != nil {
		return OutcomeFailed, fmt.Errorf("save escalation: %w", err)
	}
	return OutcomeEscalated, nil
}

// IsBlocked reports whether actorID has an active block.
func (d *Dispatcher) IsBlocked(ctx context.Context, actorID string) (bool, error) {
	b, err := d.store.GetBlock(ctx, actorID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return b.IsActive(d.clock()), nil
}

// Block returns the actor's block record, active or not.
func (d *Dispatcher) Block(ctx context.Context, actorID string) (*security.BlockRecord, error) {
	return d.store.GetBlock(ctx, actorID)
}

// Unblock deactivates the actor's block. It returns store.ErrNotFound if the
// actor was never blocked.
func (d *Dispatcher) Unblock(ctx context.Context, actorID string) error {
	unlock := d.actorLocks.Lock(actorID)
	defer unlock()

	b, err := d.store.GetBlock(ctx, actorID)
	if err != nil {
		return err
	}
	if !b.Active {
		return nil
	}
	b.Active = false
	b.UnblockAt = d.clock()
	if err := d.store.SaveBlock(ctx, b); err != nil {
		return fmt.Errorf("save block: %w", err)
	}
	return nil
}
