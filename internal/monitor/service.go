// Package monitor is the security monitoring engine. It ingests security
// events, scores them, keeps the per-actor risk ledger current, evaluates
// threat rules and dispatches their actions, all off the caller's goroutine.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/secmon/internal/dispatch"
	"github.com/lvonguyen/secmon/internal/environment"
	"github.com/lvonguyen/secmon/internal/ledger"
	"github.com/lvonguyen/secmon/internal/observability"
	"github.com/lvonguyen/secmon/internal/rules"
	"github.com/lvonguyen/secmon/internal/security"
	"github.com/lvonguyen/secmon/internal/store"
	"github.com/lvonguyen/secmon/internal/syncutil"
)

const (
	DefaultBufferRetention = 24 * time.Hour
	DefaultBufferPerActor  = 1000
	DefaultStoreTimeout    = 5 * time.Second
)

// Options wires a Service. Store is required; every other field has a default.
type Options struct {
	Store       store.Store
	Ledger      *ledger.Ledger
	Engine      *rules.Engine
	Dispatcher  *dispatch.Dispatcher
	Environment environment.Environment
	Logger      *zap.Logger
	Metrics     *observability.Metrics
	Tracer      trace.Tracer

	// Workers is the number of processing goroutines. Events for one actor
	// always land on the same worker.
	Workers         int
	BufferRetention time.Duration
	BufferPerActor  int
	// StoreTimeout bounds each persistence write.
	StoreTimeout time.Duration
	Clock        func() time.Time
}

// Service is the monitoring engine.
type Service struct {
	store      store.Store
	ledger     *ledger.Ledger
	engine     *rules.Engine
	dispatcher *dispatch.Dispatcher
	env        environment.Environment
	logger     *zap.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
	buffer     *Buffer
	clock      func() time.Time

	retention    time.Duration
	storeTimeout time.Duration

	shards    []*queue
	anonNext  atomic.Uint64
	depth     atomic.Int64
	closed    atomic.Bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds and starts a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("monitor: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Ledger == nil {
		opts.Ledger = ledger.New(ledger.Options{})
	}
	if opts.Engine == nil {
		engine, err := rules.NewEngine(opts.Store, rules.BuiltinRules(), rules.EngineOptions{})
		if err != nil {
			return nil, fmt.Errorf("monitor: build rule engine: %w", err)
		}
		opts.Engine = engine
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = dispatch.New(opts.Store, dispatch.Options{Clock: opts.Clock, Logger: opts.Logger})
	}
	if opts.Environment == nil {
		opts.Environment = environment.Static{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/lvonguyen/secmon/internal/monitor")
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.BufferRetention <= 0 {
		opts.BufferRetention = DefaultBufferRetention
	}
	if opts.BufferPerActor <= 0 {
		opts.BufferPerActor = DefaultBufferPerActor
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}

	s := &Service{
		store:        opts.Store,
		ledger:       opts.Ledger,
		engine:       opts.Engine,
		dispatcher:   opts.Dispatcher,
		env:          opts.Environment,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		buffer:       NewBuffer(opts.BufferPerActor),
		clock:        opts.Clock,
		retention:    opts.BufferRetention,
		storeTimeout: opts.StoreTimeout,
		shards:       make([]*queue, opts.Workers),
	}
	for i := range s.shards {
		s.shards[i] = newQueue()
		s.wg.Add(1)
		go s.run(s.shards[i])
	}
	return s, nil
}

// LogOption customises a single LogSecurityEvent call.
type LogOption func(*job)

// WithActor attributes the event to actorID.
func WithActor(actorID string) LogOption {
	return func(j *job) { j.event.ActorID = actorID }
}

// WithSeverityHint records the caller's severity guess. The calculator
// still decides the stored severity.
func WithSeverityHint(s security.Severity) LogOption {
	return func(j *job) { j.event.SeverityHint = s }
}

// LogSecurityEvent accepts an event for asynchronous processing. It never
// blocks on I/O, never returns an error and never panics into the caller.
// Events for the same actor are processed in call order.
func (s *Service) LogSecurityEvent(ctx context.Context, eventType security.EventType, details security.Details, opts ...LogOption) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Recovered panic while accepting security event",
				zap.String("type", string(eventType)),
				zap.Any("panic", p),
			)
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}

	j := &job{
		event: &security.Event{
			ID:      uuid.NewString(),
			Type:    eventType,
			Context: environment.Resolve(environment.FromContext(ctx, s.env)),
		},
		link: trace.LinkFromContext(ctx),
	}
	if details != nil {
		j.event.Details = details.Clone()
	}
	for _, opt := range opts {
		opt(j)
	}

	if !s.enqueue(j) {
		s.metrics.EventDropped("closed")
		s.logger.Warn("Security event dropped",
			zap.String("type", string(eventType)),
			zap.String("actor_id", j.event.ActorID),
			zap.Error(ErrClosed),
		)
	}
}

func (s *Service) shardFor(actorID string) *queue {
	if actorID == "" {
		return s.shards[s.anonNext.Add(1)%uint64(len(s.shards))]
	}
	return s.shards[syncutil.ShardIndex(actorID, len(s.shards))]
}

func (s *Service) enqueue(j *job) bool {
	q := s.shardFor(j.event.ActorID)
	ok := q.push(j, func() {
		if j.event != nil {
			j.event.Timestamp = s.clock()
		}
	})
	if ok {
		s.metrics.SetQueueDepth(s.depth.Add(1))
	}
	return ok
}

func (s *Service) run(q *queue) {
	defer s.wg.Done()
	for {
		j, ok := q.pop()
		if !ok {
			return
		}
		if j.barrier != nil {
			close(j.barrier)
			continue
		}
		s.process(j)
		s.metrics.SetQueueDepth(s.depth.Add(-1))
	}
}

// process runs every stage for one event. Stage failures are reported and
// never stop later stages.
func (s *Service) process(j *job) {
	ev := j.event
	start := time.Now()

	ctx, span := s.tracer.Start(context.Background(), "secmon.process_event",
		trace.WithLinks(j.link),
		trace.WithAttributes(
			attribute.String("secmon.event.type", string(ev.Type)),
			attribute.String("secmon.actor_id", ev.ActorID),
		),
	)
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("panic: %v", p)
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
			s.logger.Error("Recovered panic while processing security event",
				zap.String("event_id", ev.ID),
				zap.String("type", string(ev.Type)),
				zap.String("actor_id", ev.ActorID),
				zap.Error(err),
			)
		}
		span.End()
		s.metrics.EventProcessed(time.Since(start))
	}()

	s.score(ctx, ev)
	span.SetAttributes(
		attribute.String("secmon.event.severity", string(ev.Severity)),
		attribute.Int("secmon.event.risk_score", ev.RiskScore),
	)

	s.record(ctx, ev)

	matches, err := s.engine.Evaluate(ctx, ev)
	if err != nil {
		kind := KindRule
		if errors.Is(err, rules.ErrHistoryTimeout) || errors.Is(err, rules.ErrHistoryUnavailable) {
			kind = KindTransient
		}
		s.report(ctx, &StageError{Stage: StageEvaluate, Kind: kind, EventID: ev.ID, Err: err}, ev)
	}
	for _, m := range matches {
		s.respond(ctx, m)
	}
}

// score fills in severity and risk. Unknown types are still recorded.
func (s *Service) score(ctx context.Context, ev *security.Event) {
	ev.Severity, ev.RiskScore = security.Score(ev.Type, ev.Details, s.ledger.Get(ev.ActorID))

	if !ev.Type.Known() {
		s.report(ctx, &StageError{Stage: StageScore, Kind: KindMalformed, EventID: ev.ID,
			Err: fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)}, ev)
	}
	if ev.SeverityHint != "" && ev.SeverityHint != ev.Severity {
		s.logger.Debug("Severity hint overridden",
			zap.String("event_id", ev.ID),
			zap.String("hint", string(ev.SeverityHint)),
			zap.String("severity", string(ev.Severity)),
		)
	}
}

// record buffers and persists ev, then credits its risk to the actor.
func (s *Service) record(ctx context.Context, ev *security.Event) {
	s.buffer.Add(ev)
	s.metrics.EventIngested(string(ev.Type), string(ev.Severity))

	wctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	_, err := s.store.AppendEvent(wctx, ev)
	cancel()
	if err != nil {
		s.report(ctx, &StageError{Stage: StagePersist, Kind: KindTransient, EventID: ev.ID, Err: err}, ev)
	}

	if ev.ActorID != "" {
		s.ledger.Record(ev.ActorID, ev.RiskScore)
	}
}

// respond records the derived event for a match and dispatches the rule's action.
// The derived event is never evaluated against rules.
func (s *Service) respond(ctx context.Context, m rules.Match) {
	orig := m.Event
	rule := m.Rule
	s.metrics.RuleMatched(rule.Name)

	derived := &security.Event{
		ID:        uuid.NewString(),
		Type:      security.EventSuspiciousActivity,
		Severity:  rule.Severity,
		Timestamp: s.clock(),
		ActorID:   orig.ActorID,
		Context:   orig.Context,
		Details: security.Details{
			security.DetailRuleName:        rule.Name,
			security.DetailOriginalType:    string(orig.Type),
			security.DetailOriginalEventID: orig.ID,
			security.DetailDescription:     rule.Description,
		},
		RiskScore: security.ClampRisk(orig.RiskScore * 2),
		Derived:   true,
	}

	s.logger.Warn("Threat rule matched",
		zap.String("rule", rule.Name),
		zap.String("action", string(rule.Action)),
		zap.String("type", string(orig.Type)),
		zap.String("actor_id", orig.ActorID),
		zap.String("event_id", orig.ID),
		zap.String("derived_event_id", derived.ID),
	)

	s.record(ctx, derived)

	outcome, err := s.dispatcher.Dispatch(ctx, rule, derived)
	s.metrics.ActionDispatched(string(rule.Action), string(outcome))
	if err != nil {
		kind := KindTransient
		if errors.Is(err, dispatch.ErrSubscriberPanic) {
			kind = KindSubscriber
		}
		s.report(ctx, &StageError{Stage: StageDispatch, Kind: kind, EventID: derived.ID, Err: err}, derived)
	}
}

// report logs and counts a stage failure.
func (s *Service) report(ctx context.Context, se *StageError, ev *security.Event) {
	s.metrics.StageFailed(string(se.Stage), string(se.Kind))
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(se)
	}

	fields := []zap.Field{
		zap.String("stage", string(se.Stage)),
		zap.String("kind", string(se.Kind)),
		zap.String("event_id", se.EventID),
		zap.String("type", string(ev.Type)),
		zap.String("actor_id", ev.ActorID),
		zap.Error(se.Err),
	}
	switch se.Kind {
	case KindSubscriber:
		s.logger.Error("Security pipeline stage failed", fields...)
	case KindTransient:
		if se.Stage == StagePersist {
			s.logger.Error("Security pipeline stage failed", fields...)
			return
		}
		s.logger.Warn("Security pipeline stage failed", fields...)
	default:
		s.logger.Warn("Security pipeline stage failed", fields...)
	}
}

// Flush waits until every event accepted before the call has been processed.
func (s *Service) Flush(ctx context.Context) error {
	var waits []chan struct{}
	for _, q := range s.shards {
		done := make(chan struct{})
		if q.push(&job{barrier: done}, nil) {
			waits = append(waits, done)
		}
	}
	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops accepting events and waits for queued ones to finish.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		for _, q := range s.shards {
			q.close()
		}
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the service accepts events.
func (s *Service) Ready() bool { return !s.closed.Load() }

// OnSecurityAlert registers fn for alert events and returns its unsubscribe function.
func (s *Service) OnSecurityAlert(fn func(ev *security.Event)) func() {
	return s.dispatcher.Subscribe(fn)
}

// IsBlocked reports whether actorID has an active block.
func (s *Service) IsBlocked(ctx context.Context, actorID string) (bool, error) {
	return s.dispatcher.IsBlocked(ctx, actorID)
}

// Block returns the actor's block record.
func (s *Service) Block(ctx context.Context, actorID string) (*security.BlockRecord, error) {
	return s.dispatcher.Block(ctx, actorID)
}

// Unblock lifts an actor's block.
func (s *Service) Unblock(ctx context.Context, actorID string) error {
	return s.dispatcher.Unblock(ctx, actorID)
}

// ResolveEvent marks an event as reviewed.
func (s *Service) ResolveEvent(ctx context.Context, eventID, resolvedBy, notes string) error {
	now := s.clock()
	return s.store.ResolveEvent(ctx, eventID, security.Resolution{
		Resolved:   true,
		ResolvedBy: resolvedBy,
		ResolvedAt: &now,
		Notes:      notes,
	})
}

// Escalations lists escalations with the given status, newest first.
func (s *Service) Escalations(ctx context.Context, status security.EscalationStatus, limit int) ([]*security.EscalationRecord, error) {
	return s.store.ListEscalations(ctx, status, limit)
}

// PendingEscalations lists escalations awaiting review.
func (s *Service) PendingEscalations(ctx context.Context, limit int) ([]*security.EscalationRecord, error) {
	return s.Escalations(ctx, security.EscalationPending, limit)
}

// RecentEvents returns buffered events for actorID, newest first.
func (s *Service) RecentEvents(actorID string, limit int) []*security.Event {
	evs := s.buffer.Recent(actorID, limit)
	out := make([]*security.Event, len(evs))
	for i, ev := range evs {
		cp := *ev
		cp.Details = ev.Details.Clone()
		out[i] = &cp
	}
	return out
}

// LedgerRisk returns the actor's current ledger value.
func (s *Service) LedgerRisk(actorID string) float64 {
	return s.ledger.Get(actorID)
}

// Rules returns the active rule set.
func (s *Service) Rules() []rules.Rule {
	return s.engine.Rules()
}

// PruneBuffer drops buffered events older than the retention period.
func (s *Service) PruneBuffer(context.Context) error {
	removed := s.buffer.Prune(s.clock().Add(-s.retention))
	s.metrics.SetState(s.ledger.Len(), s.buffer.Len())
	s.logger.Debug("Pruned event buffer", zap.Int("removed", removed), zap.Int("remaining", s.buffer.Len()))
	return nil
}

// DecayLedger applies one decay pass to every ledger entry.
func (s *Service) DecayLedger(context.Context) error {
	decayed, evicted := s.ledger.DecayAll()
	s.metrics.SetState(s.ledger.Len(), s.buffer.Len())
	s.logger.Debug("Decayed risk ledger", zap.Int("decayed", decayed), zap.Int("evicted", evicted))
	return nil
}
