package capitalcall

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ===== Error model =====
type Code string

const (
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeConflict          Code = "CONFLICT"
	CodeNotLockHolder     Code = "NOT_LOCK_HOLDER"
	CodeStaleVersion      Code = "STALE_VERSION"
	CodeAlreadyLocked     Code = "ALREADY_LOCKED"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeInternal          Code = "INTERNAL"
	// クライアント側のみ（通信断・タイムアウト・5xx以外の応答不能）
	CodeNetworkFailure Code = "NETWORK_FAILURE"
)

type APIError struct {
	Code    Code
	Message string
	// ALREADY_LOCKED のときのみ
	Holder string
	Since  *time.Time
}

func (e *APIError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func ErrInvalid(msg string) *APIError   { return &APIError{Code: CodeInvalidArgument, Message: msg} }
func ErrForbidden(msg string) *APIError { return &APIError{Code: CodeForbidden, Message: msg} }
func ErrNotFound(msg string) *APIError  { return &APIError{Code: CodeNotFound, Message: msg} }
func ErrConflict(msg string) *APIError  { return &APIError{Code: CodeConflict, Message: msg} }
func ErrInternal(msg string) *APIError  { return &APIError{Code: CodeInternal, Message: msg} }

func ErrInvalidTransition(from WorkflowStatus, act Action) *APIError {
	return &APIError{Code: CodeInvalidTransition, Message: fmt.Sprintf("cannot %s from %s", act, from)}
}

func ErrAlreadyLocked(holder string, since time.Time) *APIError {
	return &APIError{
		Code:    CodeAlreadyLocked,
		Message: fmt.Sprintf("locked by %s since %s", holder, since.UTC().Format(time.RFC3339)),
		Holder:  holder,
		Since:   &since,
	}
}

func ErrNotLockHolder(caller string) *APIError {
	return &APIError{Code: CodeNotLockHolder, Message: fmt.Sprintf("%s does not hold the lock", caller)}
}

func ErrStaleVersion(expected, actual int64) *APIError {
	return &APIError{Code: CodeStaleVersion, Message: fmt.Sprintf("version %d is stale, current is %d", expected, actual)}
}

func ErrNetwork(err error) *APIError {
	return &APIError{Code: CodeNetworkFailure, Message: err.Error()}
}

// CodeOf は err から Code を取り出す。APIError でなければ INTERNAL。
func CodeOf(err error) Code {
	var api *APIError
	if errors.As(err, &api) {
		return api.Code
	}
	return CodeInternal
}

func IsCode(err error, code Code) bool {
	var api *APIError
	return errors.As(err, &api) && api.Code == code
}

func toHTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidTransition, CodeConflict, CodeNotLockHolder:
		return http.StatusConflict
	case CodeStaleVersion:
		return http.StatusPreconditionFailed
	case CodeAlreadyLocked:
		return http.StatusLocked
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// CodeFromHTTPStatus はエラーボディが読めなかった応答の分類に使う
func CodeFromHTTPStatus(status int) Code {
	switch status {
	case http.StatusBadRequest:
		return CodeInvalidArgument
	case http.StatusUnauthorized:
		return CodeUnauthenticated
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusPreconditionFailed:
		return CodeStaleVersion
	case http.StatusLocked:
		return CodeAlreadyLocked
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return CodeNetworkFailure
	default:
		return CodeInternal
	}
}
