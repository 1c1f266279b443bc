package engine

import (
	"errors"
	"fmt"

	"github.com/tabulate-labs/tabulator/internal/registry"
)

// ErrRunNotFound is returned for operations on unknown run IDs.
var ErrRunNotFound = errors.New("engine: run not found")

// errNoop signals that a mutation turned out to be a no-op and the current
// state should be returned without persisting.
var errNoop = errors.New("engine: no-op")

// UnknownStageError reports a stage id not present in the registry.
type UnknownStageError struct {
	Stage registry.StageID
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("engine: unknown stage %q", e.Stage)
}

// GatingError reports an attempt to enter or lock a stage whose dependencies
// are not all locked. Unmet names the first unmet dependency in declaration
// order so callers can deep-link the user to it.
type GatingError struct {
	Stage registry.StageID
	Unmet registry.StageID
}

func (e *GatingError) Error() string {
	return fmt.Sprintf("engine: stage %q requires stage %q to be locked", e.Stage, e.Unmet)
}

// InvalidStateError reports an operation that is not valid from the stage's
// current status.
type InvalidStateError struct {
	Stage  registry.StageID
	Status Status
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("engine: cannot %s stage %q in state %q", e.Op, e.Stage, e.Status)
}

// NotLockedError reports an unlock request on a stage that is not locked.
type NotLockedError struct {
	Stage  registry.StageID
	Status Status
}

func (e *NotLockedError) Error() string {
	return fmt.Sprintf("engine: stage %q is not locked (state %q)", e.Stage, e.Status)
}

// NotOptionalError reports a skip request on a mandatory stage.
type NotOptionalError struct {
	Stage registry.StageID
}

func (e *NotOptionalError) Error() string {
	return fmt.Sprintf("engine: stage %q is not optional and cannot be skipped", e.Stage)
}

// CascadeConflictError reports that in-flight downstream work could not be
// cancelled during an invalidation cascade. The whole operation is aborted
// and no state is mutated.
type CascadeConflictError struct {
	Stage registry.StageID
	Cause error
}

func (e *CascadeConflictError) Error() string {
	return fmt.Sprintf("engine: in-flight work on stage %q could not be cancelled: %v", e.Stage, e.Cause)
}

func (e *CascadeConflictError) Unwrap() error { return e.Cause }
