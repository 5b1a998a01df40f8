package monitor

import (
	"errors"
	"fmt"
)

// Stage names one step of event processing.
type Stage string

const (
	StageScore    Stage = "score"
	StagePersist  Stage = "persist"
	StageEvaluate Stage = "evaluate"
	StageDerive   Stage = "derive"
	StageDispatch Stage = "dispatch"
)

// Kind classifies a stage failure.
type Kind string

const (
	// KindTransient is an I/O failure such as an unavailable store or a timeout.
	KindTransient Kind = "transient"
	// KindSubscriber is a failing alert subscriber.
	KindSubscriber Kind = "subscriber"
	// KindMalformed is an event that could not be fully interpreted. It is
	// still recorded.
	KindMalformed Kind = "malformed"
	// KindRule is a rule that could not be evaluated and counted as no match.
	KindRule Kind = "rule"
)

var (
	// ErrUnknownEventType marks an event whose type is outside the known set.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrClosed is reported when events arrive after Close.
	ErrClosed = errors.New("monitor closed")
	// ErrInvalidRange is returned by metric queries whose end precedes start.
	ErrInvalidRange = errors.New("invalid time range")
)

// StageError is the single failure shape produced by every processing stage.
// It never reaches callers of LogSecurityEvent; it is logged and counted.
type StageError struct {
	Stage   Stage
	Kind    Kind
	EventID string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage (%s) failed for event %s: %v", e.Stage, e.Kind, e.EventID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
