// Package errors provides the application error type rendered by the HTTP API.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeBadRequest             = "BAD_REQUEST"
	ErrCodeInternalError          = "INTERNAL_ERROR"
	ErrCodeValidationError        = "VALIDATION_ERROR"
	ErrCodeServiceUnavailable     = "SERVICE_UNAVAILABLE"
	ErrCodeCommandFailed          = "COMMAND_FAILED"
	ErrCodeContainerCommandFailed = "CONTAINER_COMMAND_FAILED"
	ErrCodeContainerNotFound      = "CONTAINER_NOT_FOUND"
	ErrCodeAgentSpawnFailed       = "AGENT_SPAWN_FAILED"
	ErrCodeAgentProcessFailed     = "AGENT_PROCESS_FAILED"
	ErrCodeWorkspaceNotFound      = "WORKSPACE_NOT_FOUND"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"error"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Body is the JSON document written for a failed request.
func (e *AppError) Body() map[string]any {
	return map[string]any{
		"success": false,
		"error":   e.Message,
		"code":    e.Code,
	}
}

func newAppError(code string, status int, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return newAppError(ErrCodeNotFound, http.StatusNotFound, fmt.Sprintf("%s with id '%s' not found", resource, id), nil)
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return newAppError(ErrCodeBadRequest, http.StatusBadRequest, message, nil)
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return newAppError(ErrCodeInternalError, http.StatusInternalServerError, message, err)
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return newAppError(ErrCodeValidationError, http.StatusBadRequest,
		fmt.Sprintf("validation failed for field '%s': %s", field, message), nil)
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return newAppError(ErrCodeServiceUnavailable, http.StatusServiceUnavailable,
		fmt.Sprintf("service '%s' is currently unavailable", service), nil)
}

// CommandFailed reports a host command that exited nonzero.
func CommandFailed(message string, err error) *AppError {
	return newAppError(ErrCodeCommandFailed, http.StatusInternalServerError, message, err)
}

// ContainerCommandFailed reports a container runtime call that failed.
func ContainerCommandFailed(message string, err error) *AppError {
	return newAppError(ErrCodeContainerCommandFailed, http.StatusBadGateway, message, err)
}

// ContainerNotFound reports that no running container matched.
func ContainerNotFound(target string) *AppError {
	return newAppError(ErrCodeContainerNotFound, http.StatusNotFound,
		fmt.Sprintf("no running container found for %s", target), nil)
}

// AgentSpawnFailed reports that the agent binary could not be started.
func AgentSpawnFailed(err error) *AppError {
	return newAppError(ErrCodeAgentSpawnFailed, http.StatusInternalServerError, "failed to start agent", err)
}

// AgentProcessFailed reports an agent run that exited nonzero.
func AgentProcessFailed(exitCode int, err error) *AppError {
	return newAppError(ErrCodeAgentProcessFailed, http.StatusInternalServerError,
		fmt.Sprintf("agent exited with code %d", exitCode), err)
}

// WorkspaceNotFound reports a project without a workspace directory.
func WorkspaceNotFound(projectID string) *AppError {
	return newAppError(ErrCodeWorkspaceNotFound, http.StatusNotFound,
		fmt.Sprintf("Workspace not found for project %s", projectID), nil)
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return InternalError(message, err)
}

// IsNotFound reports whether err is any of the not-found codes.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case ErrCodeNotFound, ErrCodeContainerNotFound, ErrCodeWorkspaceNotFound:
			return true
		}
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
