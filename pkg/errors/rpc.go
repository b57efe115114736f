package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

/*
RpcError represents a JSON-RPC error object as it travels on the wire.
*/
type RpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

/*
Error implements the error interface for RpcError.
*/
func (e *RpcError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (%v)", e.Code, e.Message, e.Data)
	}

	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

/*
Is matches any RpcError carrying the same code, so copies made with
WithMessagef or WithData still satisfy errors.Is against the table below.
*/
func (e *RpcError) Is(target error) bool {
	var other *RpcError

	if !errors.As(target, &other) {
		return false
	}

	return other.Code == e.Code
}

// Error codes. The values are fixed by the JSON-RPC conventions.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeTimeout        = -32000
	CodeUnknown        = -32001
)

var (
	ErrParse          = &RpcError{Code: CodeParse, Message: "Parse Error"}
	ErrInvalidRequest = &RpcError{Code: CodeInvalidRequest, Message: "Invalid Request"}
	ErrMethodNotFound = &RpcError{Code: CodeMethodNotFound, Message: "Method not found"}
	ErrInvalidParams  = &RpcError{Code: CodeInvalidParams, Message: "Invalid Parameters"}
	ErrInternal       = &RpcError{Code: CodeInternal, Message: "Internal Error"}
	ErrTimeout        = &RpcError{Code: CodeTimeout, Message: "Request Timeout"}
	ErrUnknown        = &RpcError{Code: CodeUnknown, Message: "Unknown Error"}
)

// Local conditions. These never go on the wire.
var (
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrUnmatchedID      = errors.New("unmatched id")
	ErrNoClients        = errors.New("No clients connected")
	ErrConnectAborted   = errors.New("connect aborted")

	// ErrWrongArgument is what a handler returns (or wraps) when the params
	// it received do not have the shape it expects.
	ErrWrongArgument = errors.New("wrong type of argument")

	// ErrParamsType is returned by the encoder when params is neither an
	// array nor an object.
	ErrParamsType = errors.New("params must be an array or an object")
)

/*
New returns a fresh copy of the table entry for code, falling back to the
Unknown entry for codes outside the table.
*/
func New(code int) *RpcError {
	for _, known := range []*RpcError{
		ErrParse, ErrInvalidRequest, ErrMethodNotFound, ErrInvalidParams,
		ErrInternal, ErrTimeout, ErrUnknown,
	} {
		if known.Code == code {
			copied := *known
			return &copied
		}
	}

	copied := *ErrUnknown
	copied.Code = code
	return &copied
}

/*
HTTPStatus maps an error code to the status an HTTP exchange answers with.
*/
func HTTPStatus(code int) int {
	switch code {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeMethodNotFound:
		return http.StatusNotFound
	case CodeTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WithMessagef creates a *copy* of an RpcError with a formatted message.
// It does not modify the original error variable.
func (e *RpcError) WithMessagef(format string, args ...any) *RpcError {
	newErr := *e
	newErr.Message = fmt.Sprintf(format, args...)
	return &newErr
}

// WithData creates a copy of an RpcError carrying data.
func (e *RpcError) WithData(data any) *RpcError {
	newErr := *e
	newErr.Data = data
	return &newErr
}

// RetryConfig holds configuration for retry behavior.
type RetryConfig struct {
	// MaxAttempts is the number of retries after the first attempt.
	// A negative value retries until the context is done.
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns the connect retry policy: two retries, five
// seconds apart.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   2,
		InitialDelay:  5 * time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 1.0,
	}
}

/*
Retry runs fn until it succeeds, the retry budget runs out, or ctx is done.
onRetry, when set, is called before each wait with the number of retries
left (-1 when unlimited). When the budget runs out the last error from fn is
returned unwrapped.
*/
func Retry(ctx context.Context, config *RetryConfig, fn func() error, onRetry func(remaining int, err error)) error {
	var err error

	delay := config.InitialDelay
	remaining := config.MaxAttempts

	for {
		if err = fn(); err == nil {
			return nil
		}

		if remaining == 0 {
			return err
		}

		if remaining > 0 {
			remaining--
		}

		if onRetry != nil {
			onRetry(remaining, err)
		}

		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrConnectAborted, ctx.Err())
		case <-timer.C:
		}

		if config.BackoffFactor > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
		}

		if config.MaxDelay > 0 && delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
}
