// Package rules evaluates temporal threat rules over an actor's recent events.
package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/lvonguyen/secmon/internal/security"
)

// Action is the response taken when a rule matches.
type Action string

const (
	ActionLog      Action = "log"
	ActionAlert    Action = "alert"
	ActionBlock    Action = "block"
	ActionEscalate Action = "escalate"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionLog, ActionAlert, ActionBlock, ActionEscalate:
		return true
	}
	return false
}

// Condition decides whether a rule matches. history is ordered newest first
// and always contains ev itself.
type Condition func(ev *security.Event, history []*security.Event) bool

// Rule is a named predicate bound to one triggering event type.
type Rule struct {
	Name    string
	Trigger security.EventType
	// Window is how far back the condition looks. Zero means the rule needs
	// no history.
	Window      time.Duration
	Threshold   int
	Severity    security.Severity
	Action      Action
	Description string
	Condition   Condition
}

// NeedsHistory reports whether evaluating r requires the actor's history.
func (r *Rule) NeedsHistory() bool { return r.Window > 0 }

func (r *Rule) validate() error {
	switch {
	case r.Name == "":
		return errors.New("rule name is required")
	case r.Trigger == "":
		return fmt.Errorf("rule %s: trigger is required", r.Name)
	case !r.Severity.Valid():
		return fmt.Errorf("rule %s: invalid severity %q", r.Name, r.Severity)
	case !r.Action.Valid():
		return fmt.Errorf("rule %s: invalid action %q", r.Name, r.Action)
	case r.Condition == nil:
		return fmt.Errorf("rule %s: condition is required", r.Name)
	case r.Window < 0:
		return fmt.Errorf("rule %s: negative window", r.Name)
	}
	return nil
}

// Match is one rule that fired for an event.
type Match struct {
	Rule  *Rule
	Event *security.Event
}

// ThresholdRule builds a rule that fires once at least threshold events of
// the trigger type, including the current one, fall inside window.
func ThresholdRule(name string, trigger security.EventType, threshold int, window time.Duration,
	severity security.Severity, action Action, description string) Rule {
	return Rule{
		Name:        name,
		Trigger:     trigger,
		Window:      window,
		Threshold:   threshold,
		Severity:    severity,
		Action:      action,
		Description: description,
		Condition: func(ev *security.Event, history []*security.Event) bool {
			return CountInWindow(ev, history, trigger, window) >= threshold
		},
	}
}

// CountInWindow counts non-derived events of type t in history whose
// timestamp lies within window before ev, bounds inclusive.
func CountInWindow(ev *security.Event, history []*security.Event, t security.EventType, window time.Duration) int {
	since := ev.Timestamp.Add(-window)
	n := 0
	for _, h := range history {
		if h.Type != t || h.Derived {
			continue
		}
		if h.Timestamp.Before(since) || h.Timestamp.After(ev.Timestamp) {
			continue
		}
		n++
	}
	return n
}
