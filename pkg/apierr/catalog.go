package apierr

import "net/http"

// --- Common ---

func InvalidRequestBody() *Error {
	return New(CodeInvalidRequestBody, http.StatusBadRequest, "Invalid request body")
}

func InternalError(cause error) *Error {
	return Wrap(CodeInternalError, http.StatusInternalServerError, "Internal server error", cause)
}

// --- Run ---

func RunNotFound() *Error {
	return New(CodeRunNotFound, http.StatusNotFound, "Run not found")
}

func InvalidRunID() *Error {
	return New(CodeInvalidRunID, http.StatusBadRequest, "Invalid run ID")
}

func RunCreateFailed(cause error) *Error {
	return Wrap(CodeRunCreateFailed, http.StatusInternalServerError, "Failed to create run", cause)
}

func RunListFailed(cause error) *Error {
	return Wrap(CodeRunListFailed, http.StatusInternalServerError, "Failed to list runs", cause)
}

func RunDeleteFailed(cause error) *Error {
	return Wrap(CodeRunDeleteFailed, http.StatusInternalServerError, "Failed to delete run", cause)
}

// --- Stage lifecycle ---

func StageNotFound(stageID string) *Error {
	return New(CodeStageNotFound, http.StatusNotFound, "Unknown stage "+stageID)
}

// GatingUnmet reports the first unmet dependency so the UI can deep-link the
// user to the stage that must be completed first.
func GatingUnmet(stageID, unmet string) *Error {
	return New(CodeGatingUnmet, http.StatusConflict,
		"Stage "+stageID+" requires stage "+unmet+" to be locked").
		WithDetails(map[string]string{"stage": stageID, "unmet_dependency": unmet})
}

func InvalidState(stageID, status, op string) *Error {
	return New(CodeInvalidState, http.StatusConflict,
		"Operation "+op+" is not valid for stage "+stageID+" in state "+status).
		WithDetails(map[string]string{"stage": stageID, "status": status})
}

func NotLocked(stageID string) *Error {
	return New(CodeNotLocked, http.StatusConflict, "Stage "+stageID+" is not locked").
		WithDetails(map[string]string{"stage": stageID})
}

func ValidationFailed(stageID string, fields map[string]string) *Error {
	return New(CodeValidationFailed, http.StatusUnprocessableEntity,
		"Artifact payload for stage "+stageID+" failed validation").
		WithDetails(fields)
}

func CascadeConflict(stageID string, cause error) *Error {
	return Wrap(CodeCascadeConflict, http.StatusConflict,
		"In-flight work on stage "+stageID+" could not be cancelled", cause)
}

func StageNotOptional(stageID string) *Error {
	return New(CodeStageNotOptional, http.StatusConflict, "Stage "+stageID+" cannot be skipped")
}

// --- Artifact store ---

func StoreWriteFailed(cause error) *Error {
	return Wrap(CodeStoreWriteFailed, http.StatusInternalServerError, "Failed to persist artifact", cause)
}

func ArtifactNotFound() *Error {
	return New(CodeArtifactNotFound, http.StatusNotFound, "Artifact not found")
}

// --- Dispatch ---

func DispatchUnavailable() *Error {
	return New(CodeDispatchUnavailable, http.StatusServiceUnavailable, "Background dispatch is not configured")
}

func DispatchFailed(cause error) *Error {
	return Wrap(CodeDispatchFailed, http.StatusInternalServerError, "Failed to enqueue stage task", cause)
}

// --- Health ---

func DatabaseNotReady() *Error {
	return New(CodeDatabaseNotReady, http.StatusServiceUnavailable, "Database not ready")
}
