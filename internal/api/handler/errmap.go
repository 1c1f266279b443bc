package handler

import (
	"errors"
	"fmt"

	"github.com/tabulate-labs/tabulator/internal/artifact"
	"github.com/tabulate-labs/tabulator/internal/engine"
	"github.com/tabulate-labs/tabulator/pkg/apierr"
)

// mapEngineError translates engine/artifact errors into API errors. Gating
// and state errors are client errors (never retried automatically); anything
// unrecognized is internal.
func mapEngineError(err error) *apierr.Error {
	var (
		unknownStage *engine.UnknownStageError
		gating       *engine.GatingError
		invalidState *engine.InvalidStateError
		notLocked    *engine.NotLockedError
		notOptional  *engine.NotOptionalError
		conflict     *engine.CascadeConflictError
		validation   *artifact.ValidationError
	)

	switch {
	case errors.Is(err, engine.ErrRunNotFound):
		return apierr.RunNotFound()
	case errors.As(err, &unknownStage):
		return apierr.StageNotFound(string(unknownStage.Stage))
	case errors.As(err, &gating):
		return apierr.GatingUnmet(string(gating.Stage), string(gating.Unmet))
	case errors.As(err, &invalidState):
		return apierr.InvalidState(string(invalidState.Stage), string(invalidState.Status), invalidState.Op)
	case errors.As(err, &notLocked):
		return apierr.NotLocked(string(notLocked.Stage))
	case errors.As(err, &notOptional):
		return apierr.StageNotOptional(string(notOptional.Stage))
	case errors.As(err, &conflict):
		return apierr.CascadeConflict(string(conflict.Stage), conflict.Cause)
	case errors.As(err, &validation):
		return apierr.ValidationFailed(string(validation.Stage), validation.Fields)
	default:
		return apierr.InternalError(fmt.Errorf("engine operation: %w", err))
	}
}
