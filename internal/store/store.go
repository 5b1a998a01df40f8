// Package store persists security events and the records produced by the
// action dispatcher.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/lvonguyen/secmon/internal/security"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidEvent is returned when an event cannot be stored.
	ErrInvalidEvent = errors.New("invalid event")
)

// EventFilter selects events. Zero fields are unconstrained. Results are
// ordered by timestamp, newest first.
type EventFilter struct {
	ActorID string
	Types   []security.EventType
	Start   time.Time
	End     time.Time
	Limit   int
}

// Store is the persistence contract used by the engine. Implementations must
// be safe for concurrent use.
type Store interface {
	// AppendEvent stores ev and returns its ID.
	AppendEvent(ctx context.Context, ev *security.Event) (string, error)
	QueryEvents(ctx context.Context, f EventFilter) ([]*security.Event, error)
	// ResolveEvent updates only the resolution fields of an event.
	ResolveEvent(ctx context.Context, id string, res security.Resolution) error

	SaveAlert(ctx context.Context, a *security.AlertRecord) error
	// SaveBlock inserts or replaces the block for b.ActorID.
	SaveBlock(ctx context.Context, b *security.BlockRecord) error
	GetBlock(ctx context.Context, actorID string) (*security.BlockRecord, error)
	SaveEscalation(ctx context.Context, e *security.EscalationRecord) error
	ListEscalations(ctx context.Context, status security.EscalationStatus, limit int) ([]*security.EscalationRecord, error)

	Close() error
}

func (f EventFilter) matches(ev *security.Event) bool {
	if f.ActorID != "" && ev.ActorID != f.ActorID {
		return false
	}
	if !f.Start.IsZero() && ev.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && ev.Timestamp.After(f.End) {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if ev.Type == t {
			return true
		}
	}
	return false
}

func validateEvent(ev *security.Event) error {
	if ev == nil || ev.ID == "" || ev.Type == "" || ev.Timestamp.IsZero() {
		return ErrInvalidEvent
	}
	return nil
}
