package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Domain Errors
// =============================================================================

var (
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrDeploymentRemoved      = errors.New("deployment has been removed")
	ErrActiveDeploymentExists = errors.New("an active deployment already exists for this stack")
	ErrNotRunning             = errors.New("must be a running deployment")
	ErrAlreadyInMaintenance   = errors.New("already in maintenance")
	ErrNotInMaintenance       = errors.New("not in maintenance mode")
	ErrServiceNotFound        = errors.New("service not found")
	ErrServiceExists          = errors.New("service already exists")
	ErrStackNotFound          = errors.New("stack not found in product deployment")
	ErrNoRollbackAvailable    = errors.New("no pending upgrade snapshot to roll back to")
	ErrProductRemoved         = errors.New("product deployment has been removed")
	ErrMissingField           = errors.New("required field is missing")
	ErrNoStacks               = errors.New("product deployment must contain at least one stack")
	ErrDuplicateStack         = errors.New("stack appears more than once")
	ErrUnknownHealthStatus    = errors.New("unknown health status")
	ErrUnknownOperationMode   = errors.New("unknown operation mode")
)

// DomainError describes a rejected aggregate operation. It always wraps one of
// the sentinel errors above so callers can use errors.Is.
type DomainError struct {
	Op          string // Operation that was rejected (e.g., "EnterMaintenance")
	AggregateID string
	Message     string
	Err         error
}

func (e *DomainError) Error() string {
	if e.AggregateID != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.AggregateID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError.
func NewDomainError(op, aggregateID, message string, err error) *DomainError {
	return &DomainError{
		Op:          op,
		AggregateID: aggregateID,
		Message:     message,
		Err:         err,
	}
}
