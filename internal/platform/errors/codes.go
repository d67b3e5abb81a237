// Package errors provides the classroom error taxonomy.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unclassified error.
	CodeUnknown Code = "UNKNOWN"

	// Dispatch errors
	CodeNotFound           Code = "NOT_FOUND"
	CodeBadArguments       Code = "BAD_ARGUMENTS"
	CodeInvocationError    Code = "INVOCATION_ERROR"
	CodeNoActiveExperiment Code = "NO_ACTIVE_EXPERIMENT"

	// Admin errors
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"

	// Registry errors
	CodeConflict Code = "CONFLICT"

	// Platform errors
	CodeStorageError    Code = "STORAGE_ERROR"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
)

// Kind returns the short CamelCase name shown to callers in failure
// envelopes.
func (c Code) Kind() string {
	switch c {
	case CodeNotFound:
		return "NotFound"
	case CodeBadArguments:
		return "BadArguments"
	case CodeInvocationError:
		return "InvocationError"
	case CodeNoActiveExperiment:
		return "NoActiveExperiment"
	case CodeUnauthorized:
		return "Unauthorized"
	case CodeForbidden:
		return "Forbidden"
	case CodeConflict:
		return "ConflictError"
	case CodeStorageError:
		return "StorageError"
	case CodeInvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// HTTPStatus maps the code to the HTTP status used by the JSON transport.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeBadArguments, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNoActiveExperiment, CodeConflict:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInvocationError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
