package domain

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures so callers can tell them apart.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindInvalidTransition   Kind = "invalid_transition"
	KindConflictingDecision Kind = "conflicting_decision"
	KindAlreadyResolved     Kind = "already_resolved"
	KindIncompleteAggregate Kind = "incomplete_aggregate"
)

// Error is the typed error returned by the store and engine.
type Error struct {
	Kind    Kind
	Entity  string
	ID      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrConflictingDecision = &Error{Kind: KindConflictingDecision}
	ErrAlreadyResolved     = &Error{Kind: KindAlreadyResolved}
	ErrIncompleteAggregate = &Error{Kind: KindIncompleteAggregate}
)

// KindOf returns the kind of the first *Error in the chain, or "".
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(entity, id string) error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

func InvalidTransition(entity, id, from, to string) error {
	return &Error{
		Kind:    KindInvalidTransition,
		Entity:  entity,
		ID:      id,
		Message: fmt.Sprintf("invalid %s transition %s -> %s", entity, from, to),
	}
}

func ConflictingDecision(id, existing, requested string) error {
	return &Error{
		Kind:    KindConflictingDecision,
		Entity:  "approval",
		ID:      id,
		Message: fmt.Sprintf("approval %s already %s; cannot record %s", id, existing, requested),
	}
}

func AlreadyResolved(id, status string) error {
	return &Error{
		Kind:    KindAlreadyResolved,
		Entity:  "approval",
		ID:      id,
		Message: fmt.Sprintf("approval %s already resolved (%s)", id, status),
	}
}

func IncompleteAggregate(entity, id, format string, args ...any) error {
	return &Error{
		Kind:    KindIncompleteAggregate,
		Entity:  entity,
		ID:      id,
		Message: fmt.Sprintf(format, args...),
	}
}
