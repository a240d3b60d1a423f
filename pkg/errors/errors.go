// Package errors 定义统一错误码
package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK               Code = "OK"
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidParam     Code = "INVALID_PARAM"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeNotFound         Code = "NOT_FOUND"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeRequestTooLarge  Code = "REQUEST_TOO_LARGE"
	CodeInternal         Code = "INTERNAL"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeTimeout          Code = "TIMEOUT"

	// Saga 编排
	CodeSagaNotFound        Code = "SAGA_NOT_FOUND"
	CodeInvalidSagaStatus   Code = "INVALID_SAGA_STATUS"
	CodeSagaAlreadyResolved Code = "SAGA_ALREADY_RESOLVED"
	CodeAlreadyCompensated  Code = "ALREADY_COMPENSATED"
	CodeUnknownSagaType     Code = "UNKNOWN_SAGA_TYPE"
	CodeUnknownStep         Code = "UNKNOWN_STEP"
	CodeCompensationFailed  Code = "COMPENSATION_FAILED"

	// 资金与分配
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeWalletFailure       Code = "WALLET_FAILURE"
	CodeAllocationFailure   Code = "ALLOCATION_FAILURE"
	CodeLedgerFailure       Code = "LEDGER_FAILURE"
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"

	// 系统
	CodeSystemBusy Code = "SYSTEM_BUSY"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithDefault 创建错误，message 为空时使用错误码默认描述
func NewWithDefault(code Code, message string) *Error {
	if message == "" {
		message = string(code)
	}
	return New(code, message)
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeSystemBusy, CodeTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeInvalidSagaStatus,
		CodeUnknownSagaType, CodeUnknownStep:
		return http.StatusBadRequest
	case CodeRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound, CodeSagaNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeSagaAlreadyResolved, CodeAlreadyCompensated,
		CodeIdempotencyConflict:
		return http.StatusConflict
	case CodeInternal, CodeUnknown, CodeCompensationFailed,
		CodeWalletFailure, CodeAllocationFailure, CodeLedgerFailure:
		return http.StatusInternalServerError
	case CodeUnavailable, CodeSystemBusy:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam       = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound           = New(CodeNotFound, "not found")
	ErrUnauthenticated    = New(CodeUnauthenticated, "unauthenticated")
	ErrSagaNotFound       = New(CodeSagaNotFound, "saga not found")
	ErrAlreadyCompensated = New(CodeAlreadyCompensated, "saga already compensated")
	ErrSystemBusy         = New(CodeSystemBusy, "system busy, please retry")
)
