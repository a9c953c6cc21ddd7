package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mattn/go-sqlite3"
)

// APIError is the JSON error shape every handler in this package
// returns on failure: a short machine-readable tag plus a message,
// mirroring the XrpcError{Tag, Message} convention the rest of the
// stack's HTTP surfaces use.
type APIError struct {
	Tag     string `json:"error"`
	Message string `json:"message"`
	status  int
}

func (e APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Tag, e.Message)
	}
	return e.Tag
}

func newAPIError(status int, tag string, opts ...func(*APIError)) APIError {
	e := APIError{Tag: tag, status: status}
	for _, o := range opts {
		o(&e)
	}
	return e
}

func withMessage(msg string) func(*APIError) {
	return func(e *APIError) { e.Message = msg }
}

func withErr(err error) func(*APIError) {
	return func(e *APIError) { e.Message = err.Error() }
}

var (
	errAPINotFound     = newAPIError(http.StatusNotFound, "ApiNotFound", withMessage("no record API is mounted at this name"))
	errOperationDenied = func(op string) APIError {
		return newAPIError(http.StatusForbidden, "OperationNotEnabled", withMessage(op+" is not enabled for this API"))
	}
	errUnauthorized   = newAPIError(http.StatusUnauthorized, "Unauthorized", withMessage("this API requires an authenticated caller"))
	errForbidden      = newAPIError(http.StatusForbidden, "Forbidden", withMessage("access rule denied this operation"))
	errRecordNotFound = newAPIError(http.StatusNotFound, "RecordNotFound", withMessage("no matching row, or the access rule denied it"))
)

func errBadRequest(err error) APIError {
	return newAPIError(http.StatusBadRequest, "BadRequest", withErr(err))
}

func errValidation(err error) APIError {
	return newAPIError(http.StatusUnprocessableEntity, "ValidationFailed", withErr(err))
}

func errConflict(err error) APIError {
	return newAPIError(http.StatusConflict, "Conflict", withErr(err))
}

func errInternal(err error) APIError {
	return newAPIError(http.StatusInternalServerError, "Internal", withErr(err))
}

// classifyWriteError maps a failed INSERT/UPDATE onto the taxonomy: a
// SQLite constraint violation is the caller's Conflict to resolve,
// anything else is an internal failure.
func classifyWriteError(err error) APIError {
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return errConflict(err)
	}
	return errInternal(err)
}

// writeError serializes err as the JSON error body with the
// appropriate status code. A plain (non-APIError) error is treated as
// an internal error and its message is not leaked to the caller.
func writeError(w http.ResponseWriter, logf func(string, ...any), err error) {
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		logf("unhandled error: %v", err)
		apiErr = newAPIError(http.StatusInternalServerError, "Internal", withMessage("internal error"))
	}
	writeJSON(w, apiErr.status, apiErr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
