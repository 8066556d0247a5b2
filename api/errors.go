package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

// Error codes carried in ErrorResponse.ErrorCode.
const (
	CodeInvalidState          = "InvalidState"
	CodeInvalidParameters     = "InvalidParameters"
	CodeUnauthorized          = "Unauthorized"
	CodeForbidden             = "Forbidden"
	CodeResourceNotFound      = "ResourceNotFound"
	CodeResourceAlreadyExists = "ResourceAlreadyExists"
	CodeInvalidTemplate       = "InvalidTemplate"
	CodeInternalFailure       = "InternalFailure"
)

// ErrorResponse is the payload of a rejected reply and of every failed
// HTTP call. It is also returned as an error by the device client.
type ErrorResponse struct {
	StatusCode   int    `json:"statusCode"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.ErrorCode, e.StatusCode, e.ErrorMessage)
}

// Unwrap maps the error code back to its sentinel so callers on the far
// side of the wire can use errors.Is.
func (e *ErrorResponse) Unwrap() error {
	switch e.ErrorCode {
	case CodeInvalidState:
		return interfaces.ErrInvalidState
	case CodeInvalidParameters:
		return interfaces.ErrParameter
	case CodeUnauthorized:
		return interfaces.ErrUnauthorized
	case CodeForbidden:
		return interfaces.ErrCredentialRevoked
	case CodeResourceNotFound:
		return interfaces.ErrNotFound
	case CodeResourceAlreadyExists:
		return interfaces.ErrAlreadyExists
	case CodeInvalidTemplate:
		return interfaces.ErrTemplateEvaluation
	}
	return nil
}

// ErrorResponseFor classifies err. The specific causes are checked before
// the template failure that may wrap them. Internal failures do not echo
// the underlying error.
func ErrorResponseFor(err error) *ErrorResponse {
	status, code := classify(err)
	msg := err.Error()
	if code == CodeInternalFailure {
		msg = "internal failure"
	}
	return &ErrorResponse{StatusCode: status, ErrorCode: code, ErrorMessage: msg}
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, interfaces.ErrInvalidState):
		return http.StatusConflict, CodeInvalidState
	case errors.Is(err, interfaces.ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.Is(err, interfaces.ErrCredentialRevoked), errors.Is(err, interfaces.ErrScopingViolation):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, interfaces.ErrParameter),
		errors.Is(err, interfaces.ErrUnboundVariable),
		errors.Is(err, interfaces.ErrUnknownPlaceholder):
		return http.StatusBadRequest, CodeInvalidParameters
	case errors.Is(err, interfaces.ErrNotFound):
		return http.StatusNotFound, CodeResourceNotFound
	case errors.Is(err, interfaces.ErrAlreadyExists), errors.Is(err, interfaces.ErrConflict):
		return http.StatusConflict, CodeResourceAlreadyExists
	case errors.Is(err, interfaces.ErrTemplateEvaluation):
		return http.StatusBadRequest, CodeInvalidTemplate
	}
	return http.StatusInternalServerError, CodeInternalFailure
}
