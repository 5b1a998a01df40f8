package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lvonguyen/secmon/internal/security"
)

// Op names a store operation for fault injection.
type Op string

const (
	OpAppendEvent     Op = "append_event"
	OpQueryEvents     Op = "query_events"
	OpResolveEvent    Op = "resolve_event"
	OpSaveAlert       Op = "save_alert"
	OpSaveBlock       Op = "save_block"
	OpGetBlock        Op = "get_block"
	OpSaveEscalation  Op = "save_escalation"
	OpListEscalations Op = "list_escalations"
)

// Fault makes an operation slow, failing, or both.
type Fault struct {
	Delay time.Duration
	Err   error
}

// MemoryStore keeps everything in process memory. It is the default backend
// and doubles as the test store.
type MemoryStore struct {
	mu          sync.RWMutex
	events      []*security.Event
	eventIndex  map[string]int
	alerts      []*security.AlertRecord
	blocks      map[string]*security.BlockRecord
	escalations []*security.EscalationRecord

	faultMu sync.RWMutex
	faults  map[Op]Fault
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		eventIndex: make(map[string]int),
		blocks:     make(map[string]*security.BlockRecord),
		faults:     make(map[Op]Fault),
	}
}

// SetFault installs f for op. A zero Fault clears it.
func (m *MemoryStore) SetFault(op Op, f Fault) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	if f == (Fault{}) {
		delete(m.faults, op)
		return
	}
	m.faults[op] = f
}

func (m *MemoryStore) fault(ctx context.Context, op Op) error {
	m.faultMu.RLock()
	f, ok := m.faults[op]
	m.faultMu.RUnlock()
	if !ok {
		return ctx.Err()
	}
	if f.Delay > 0 {
		t := time.NewTimer(f.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return f.Err
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev *security.Event) (string, error) {
	if err := m.fault(ctx, OpAppendEvent); err != nil {
		return "", err
	}
	if err := validateEvent(ev); err != nil {
		return "", err
	}

	cp := copyEvent(ev)
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.eventIndex[cp.ID]; ok {
		m.events[i] = cp
		return cp.ID, nil
	}
	m.eventIndex[cp.ID] = len(m.events)
	m.events = append(m.events, cp)
	return cp.ID, nil
}

func (m *MemoryStore) QueryEvents(ctx context.Context, f EventFilter) ([]*security.Event, error) {
	if err := m.fault(ctx, OpQueryEvents); err != nil {
		return nil, err
	}

	m.mu.RLock()
	var out []*security.Event
	for _, ev := range m.events {
		if f.matches(ev) {
			out = append(out, copyEvent(ev))
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ResolveEvent(ctx context.Context, id string, res security.Resolution) error {
	if err := m.fault(ctx, OpResolveEvent); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.eventIndex[id]
	if !ok {
		return ErrNotFound
	}
	m.events[i].Resolution = res
	return nil
}

func (m *MemoryStore) SaveAlert(ctx context.Context, a *security.AlertRecord) error {
	if err := m.fault(ctx, OpSaveAlert); err != nil {
		return err
	}
	cp := *a
	m.mu.Lock()
	m.alerts = append(m.alerts, &cp)
	m.mu.Unlock()
	return nil
}

// Alerts returns every stored alert in insertion order.
func (m *MemoryStore) Alerts() []*security.AlertRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*security.AlertRecord, len(m.alerts))
	for i, a := range m.alerts {
		cp := *a
		out[i] = &cp
	}
	return out
}

func (m *MemoryStore) SaveBlock(ctx context.Context, b *security.BlockRecord) error {
	if err := m.fault(ctx, OpSaveBlock); err != nil {
		return err
	}
	cp := *b
	m.mu.Lock()
	m.blocks[b.ActorID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetBlock(ctx context.Context, actorID string) (*security.BlockRecord, error) {
	if err := m.fault(ctx, OpGetBlock); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[actorID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) SaveEscalation(ctx context.Context, e *security.EscalationRecord) error {
	if err := m.fault(ctx, OpSaveEscalation); err != nil {
		return err
	}
	cp := *e
	m.mu.Lock()
	m.escalations = append(m.escalations, &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListEscalations(ctx context.Context, status security.EscalationStatus, limit int) ([]*security.EscalationRecord, error) {
	if err := m.fault(ctx, OpListEscalations); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*security.EscalationRecord
	for i := len(m.escalations) - 1; i >= 0; i-- {
		e := m.escalations[i]
		if status != "" && e.Status != status {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func copyEvent(ev *security.Event) *security.Event {
	cp := *ev
	if ev.Details != nil {
		cp.Details = ev.Details.Clone()
	}
	if ev.Resolution.ResolvedAt != nil {
		at := *ev.Resolution.ResolvedAt
		cp.Resolution.ResolvedAt = &at
	}
	return &cp
}
