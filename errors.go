package apexd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/log"

	"github.com/sith-oath/apexd/metrics"
	"github.com/sith-oath/apexd/salesforce"
	"github.com/sith-oath/apexd/testrun"
	"github.com/sith-oath/apexd/traceflag"
)

// APIError is the body of every failed API response.
type APIError struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Message
}

var (
	ErrMissingCredentials = &APIError{
		StatusCode: http.StatusUnauthorized,
		Code:       "MISSING_CREDENTIALS",
		Message:    "missing credentials",
	}
	ErrInvalidBody = &APIError{
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_BODY",
		Message:    "request body is not valid json",
	}
	ErrBodyTooLarge = &APIError{
		StatusCode: http.StatusRequestEntityTooLarge,
		Code:       "BODY_TOO_LARGE",
		Message:    "request body too large",
	}
	ErrJobNotFound = &APIError{
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    "test run not found",
	}
	ErrOverCapacity = &APIError{
		StatusCode: http.StatusServiceUnavailable,
		Code:       "OVER_CAPACITY",
		Message:    "server is over capacity",
	}
)

func wrapErr(err error, msg string) error {
	return fmt.Errorf("%s\n%w", msg, err)
}

// toAPIError maps an error from any layer to the status and code returned to
// the caller.
func toAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if sfErr, ok := salesforce.AsError(err); ok {
		status := sfErr.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		return &APIError{StatusCode: status, Code: sfErr.Code, Message: sfErr.Message}
	}
	switch {
	case errors.Is(err, traceflag.ErrRunInProgress):
		return &APIError{StatusCode: http.StatusConflict, Code: "RUN_IN_PROGRESS", Message: err.Error()}
	case errors.Is(err, testrun.ErrInvalidRequest):
		return &APIError{StatusCode: http.StatusBadRequest, Code: "INVALID_REQUEST", Message: err.Error()}
	case errors.Is(err, testrun.ErrShuttingDown):
		return &APIError{StatusCode: http.StatusServiceUnavailable, Code: "SHUTTING_DOWN", Message: err.Error()}
	}
	return &APIError{StatusCode: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: "internal error"}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := toAPIError(err)
	if apiErr.StatusCode >= http.StatusInternalServerError {
		log.Error("api request failed", "path", r.URL.Path, "req_id", GetReqID(r.Context()), "err", err)
		metrics.RecordErrorDetails("api", err)
	} else {
		log.Debug("api request rejected", "path", r.URL.Path, "req_id", GetReqID(r.Context()), "code", apiErr.Code, "err", err)
	}
	writeJSON(w, apiErr.StatusCode, apiErr)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn("error writing response", "err", err)
	}
}
