// Package errors provides unified error handling for the trigger pipeline.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode string

const (
	// Authentication errors (1xxx)
	ErrCodeUnauthorized ErrorCode = "AUTH_1001"
	ErrCodeInvalidToken ErrorCode = "AUTH_1002"
	ErrCodeTokenExpired ErrorCode = "AUTH_1003"

	// Authorization errors (2xxx)
	ErrCodeForbidden ErrorCode = "AUTHZ_2001"

	// Validation errors (3xxx)
	ErrCodeInvalidInput     ErrorCode = "VAL_3001"
	ErrCodeMissingParameter ErrorCode = "VAL_3002"
	ErrCodeInvalidFormat    ErrorCode = "VAL_3003"
	ErrCodeOutOfRange       ErrorCode = "VAL_3004"

	// Resource errors (4xxx)
	ErrCodeNotFound      ErrorCode = "RES_4001"
	ErrCodeAlreadyExists ErrorCode = "RES_4002"
	ErrCodeConflict      ErrorCode = "RES_4003"

	// Service errors (5xxx)
	ErrCodeInternal    ErrorCode = "SVC_5001"
	ErrCodeDatabase    ErrorCode = "SVC_5002"
	ErrCodeExternalAPI ErrorCode = "SVC_5004"
	ErrCodeTimeout     ErrorCode = "SVC_5005"

	// Condition evaluation errors (EVAL, 8xxx)
	ErrCodeEvalUnknownOperator  ErrorCode = "EVAL_8001"
	ErrCodeEvalUnknownCondition ErrorCode = "EVAL_8002"
	ErrCodeEvalFieldMissing     ErrorCode = "EVAL_8003"
	ErrCodeEvalTypeMismatch     ErrorCode = "EVAL_8004"
	ErrCodeEvalTimeout          ErrorCode = "EVAL_8005"

	// Circuit breaker errors (BREAKER, 9xxx)
	ErrCodeBreakerOpen        ErrorCode = "BREAKER_9001"
	ErrCodeBreakerLockFailed  ErrorCode = "BREAKER_9002"
	ErrCodeBreakerPersistence ErrorCode = "BREAKER_9003"

	// Action job queue errors (QUEUE, 10xxx)
	ErrCodeQueueFull          ErrorCode = "QUEUE_10001"
	ErrCodeQueueJobNotFound   ErrorCode = "QUEUE_10002"
	ErrCodeQueueLeaseExpired  ErrorCode = "QUEUE_10003"
	ErrCodeQueueDeadLettered  ErrorCode = "QUEUE_10004"
	ErrCodeQueueIdempotentHit ErrorCode = "QUEUE_10005"

	// Rate limiter errors (RATE, 11xxx)
	ErrCodeRateLimitExceeded ErrorCode = "RATE_11001"
	ErrCodeRateScopeInvalid  ErrorCode = "RATE_11002"
	ErrCodeRateBackendDown   ErrorCode = "RATE_11003"

	// Worker runtime errors (WORKER, 12xxx)
	ErrCodeWorkerDeliveryFailed  ErrorCode = "WORKER_12001"
	ErrCodeWorkerTemplateInvalid ErrorCode = "WORKER_12002"
)

// ServiceError represents a structured error with code, message, and HTTP status
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Authentication / authorization errors

func Unauthorized(message string) *ServiceError {
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidToken(err error) *ServiceError {
	return Wrap(ErrCodeInvalidToken, "Invalid authentication token", http.StatusUnauthorized, err)
}

func TokenExpired() *ServiceError {
	return New(ErrCodeTokenExpired, "Authentication token has expired", http.StatusUnauthorized)
}

func Forbidden(message string) *ServiceError {
	return New(ErrCodeForbidden, message, http.StatusForbidden)
}

// Validation errors

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "Invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "Missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, "Invalid format", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

func OutOfRange(field string, minValue, maxValue interface{}) *ServiceError {
	return New(ErrCodeOutOfRange, "Value out of range", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("min", minValue).
		WithDetails("max", maxValue)
}

// Resource errors

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "Resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return New(ErrCodeAlreadyExists, "Resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Service errors

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func DatabaseError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeDatabase, "Database operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func ExternalAPIError(service string, err error) *ServiceError {
	return Wrap(ErrCodeExternalAPI, "External API call failed", http.StatusBadGateway, err).
		WithDetails("service", service)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "Operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

// Condition evaluation errors

func EvalUnknownOperator(op string) *ServiceError {
	return New(ErrCodeEvalUnknownOperator, "Unknown comparison operator", http.StatusBadRequest).
		WithDetails("operator", op)
}

func EvalUnknownCondition(conditionType string) *ServiceError {
	return New(ErrCodeEvalUnknownCondition, "Unknown condition type", http.StatusBadRequest).
		WithDetails("condition_type", conditionType)
}

func EvalFieldMissing(field string) *ServiceError {
	return New(ErrCodeEvalFieldMissing, "Required field missing from event", http.StatusUnprocessableEntity).
		WithDetails("field", field)
}

func EvalTypeMismatch(field, expected string) *ServiceError {
	return New(ErrCodeEvalTypeMismatch, "Field value type mismatch", http.StatusUnprocessableEntity).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

func EvalTimeout(triggerID string) *ServiceError {
	return New(ErrCodeEvalTimeout, "Trigger evaluation exceeded soft timeout", http.StatusGatewayTimeout).
		WithDetails("trigger_id", triggerID)
}

// Circuit breaker errors

func BreakerOpen(triggerID string) *ServiceError {
	return New(ErrCodeBreakerOpen, "Circuit breaker open for trigger", http.StatusServiceUnavailable).
		WithDetails("trigger_id", triggerID)
}

func BreakerLockFailed(triggerID string, err error) *ServiceError {
	return Wrap(ErrCodeBreakerLockFailed, "Failed to acquire trigger advisory lock", http.StatusConflict, err).
		WithDetails("trigger_id", triggerID)
}

func BreakerPersistenceFailed(triggerID string, err error) *ServiceError {
	return Wrap(ErrCodeBreakerPersistence, "Failed to persist circuit breaker state", http.StatusInternalServerError, err).
		WithDetails("trigger_id", triggerID)
}

// Action job queue errors

func QueueFull(actionType string) *ServiceError {
	return New(ErrCodeQueueFull, "Action job queue at capacity", http.StatusServiceUnavailable).
		WithDetails("action_type", actionType)
}

func QueueJobNotFound(jobID string) *ServiceError {
	return New(ErrCodeQueueJobNotFound, "Job not found", http.StatusNotFound).
		WithDetails("job_id", jobID)
}

func QueueLeaseExpired(jobID string) *ServiceError {
	return New(ErrCodeQueueLeaseExpired, "Job visibility lease expired", http.StatusConflict).
		WithDetails("job_id", jobID)
}

func QueueDeadLettered(jobID string, attempts int) *ServiceError {
	return New(ErrCodeQueueDeadLettered, "Job moved to dead letter queue", http.StatusGone).
		WithDetails("job_id", jobID).
		WithDetails("attempts", attempts)
}

func QueueIdempotentHit(idempotencyKey string) *ServiceError {
	return New(ErrCodeQueueIdempotentHit, "Job already enqueued for this idempotency key", http.StatusConflict).
		WithDetails("idempotency_key", idempotencyKey)
}

// Rate limiter errors

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

func RateScopeInvalid(scope string) *ServiceError {
	return New(ErrCodeRateScopeInvalid, "Invalid rate limit scope", http.StatusBadRequest).
		WithDetails("scope", scope)
}

func RateBackendDown(err error) *ServiceError {
	return Wrap(ErrCodeRateBackendDown, "Rate limiter backend unavailable, failing open", http.StatusOK, err)
}

// Worker runtime errors

func WorkerDeliveryFailed(actionType string, err error) *ServiceError {
	return Wrap(ErrCodeWorkerDeliveryFailed, "Action delivery failed", http.StatusBadGateway, err).
		WithDetails("action_type", actionType)
}

func WorkerTemplateInvalid(field string, err error) *ServiceError {
	return Wrap(ErrCodeWorkerTemplateInvalid, "Action template rendering failed", http.StatusUnprocessableEntity, err).
		WithDetails("field", field)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
