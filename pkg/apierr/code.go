package apierr

// Code is a machine-readable error code returned in API responses.
type Code string

// Common errors.
const (
	CodeInvalidRequestBody Code = "INVALID_REQUEST_BODY"
	CodeInternalError      Code = "INTERNAL_ERROR"
)

// Run errors.
const (
	CodeRunNotFound     Code = "RUN_NOT_FOUND"
	CodeInvalidRunID    Code = "INVALID_RUN_ID"
	CodeRunCreateFailed Code = "RUN_CREATE_FAILED"
	CodeRunListFailed   Code = "RUN_LIST_FAILED"
	CodeRunDeleteFailed Code = "RUN_DELETE_FAILED"
)

// Stage lifecycle errors.
const (
	CodeStageNotFound    Code = "STAGE_NOT_FOUND"
	CodeGatingUnmet      Code = "GATING_UNMET"
	CodeInvalidState     Code = "INVALID_STATE"
	CodeNotLocked        Code = "NOT_LOCKED"
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeCascadeConflict  Code = "CASCADE_CONFLICT"
	CodeStageNotOptional Code = "STAGE_NOT_OPTIONAL"
)

// Artifact store errors.
const (
	CodeStoreWriteFailed Code = "STORE_WRITE_FAILED"
	CodeArtifactNotFound Code = "ARTIFACT_NOT_FOUND"
)

// Dispatch errors.
const (
	CodeDispatchUnavailable Code = "DISPATCH_UNAVAILABLE"
	CodeDispatchFailed      Code = "DISPATCH_FAILED"
)

// Health errors.
const (
	CodeDatabaseNotReady Code = "DATABASE_NOT_READY"
)
