package services

import (
	"errors"
	"fmt"

	"github.com/yeremiapane/replisync/database"
)

var (
	ErrUnknownNode        = database.ErrUnknownNode
	ErrSameNode           = errors.New("node is already the primary")
	ErrSwitchInProgress   = errors.New("a primary switch is already in progress")
	ErrNoRollbackTarget   = errors.New("no completed switch to roll back")
	ErrConflictNotFound   = errors.New("conflict record not found")
	ErrConflictClosed     = errors.New("conflict record is already closed")
	ErrManualDataRequired = errors.New("manual_merge requires non-empty data")
	ErrInvalidAction      = errors.New("invalid resolve action")
	ErrSyncInProgress     = errors.New("sync run already in progress")
	ErrLogNotFound        = errors.New("sync log entry not found")
)

// ValidationError reports a change-log entry or payload that can never be applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PreconditionError is returned when a switch is refused.
type PreconditionError struct {
	Check  string
	Detail string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("switch precondition %s failed: %s", e.Check, e.Detail)
}

// ConflictError carries the structured conflict found while applying an entry.
type ConflictError struct {
	Conflict *Conflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict on %d field(s)", e.Conflict.Type, len(e.Conflict.Fields))
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func AsConflict(err error) (*Conflict, bool) {
	var c *ConflictError
	if errors.As(err, &c) {
		return c.Conflict, true
	}
	return nil, false
}
