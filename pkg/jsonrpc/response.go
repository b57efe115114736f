package jsonrpc

import (
	"encoding/json"
	"fmt"

	"github.com/theapemachine/rpclink/pkg/errors"
)

// Version 2 drops whichever of result and error does not apply.
type responseV2 struct {
	JSONRPC string           `json:"jsonrpc"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *errors.RpcError `json:"error,omitempty"`
	ID      json.RawMessage  `json:"id"`
}

// Version 1 always carries both, with the unused one null.
type responseV1 struct {
	Result json.RawMessage  `json:"result"`
	Error  *errors.RpcError `json:"error"`
	ID     json.RawMessage  `json:"id"`
}

/*
MarshalResponse builds a success response without a trailing delimiter.
*/
func MarshalResponse(result any, id json.RawMessage, version Version) (json.RawMessage, error) {
	raw, err := json.Marshal(result)

	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}

	if version == Version1 {
		return json.Marshal(responseV1{Result: raw, ID: id})
	}

	return json.Marshal(responseV2{JSONRPC: versionTag, Result: raw, ID: id})
}

/*
MarshalError builds an error response without a trailing delimiter. A nil id
is written as null.
*/
func MarshalError(rpcErr *errors.RpcError, id json.RawMessage, version Version) (json.RawMessage, error) {
	if version == Version1 {
		return json.Marshal(responseV1{Error: rpcErr, ID: id})
	}

	return json.Marshal(responseV2{JSONRPC: versionTag, Error: rpcErr, ID: id})
}

// EncodeResponse is MarshalResponse followed by the delimiter.
func EncodeResponse(result any, id json.RawMessage, version Version, delimiter string) ([]byte, error) {
	raw, err := MarshalResponse(result, id, version)

	if err != nil {
		return nil, err
	}

	return append(raw, delimiter...), nil
}

// EncodeError is MarshalError followed by the delimiter.
func EncodeError(rpcErr *errors.RpcError, id json.RawMessage, version Version, delimiter string) ([]byte, error) {
	raw, err := MarshalError(rpcErr, id, version)

	if err != nil {
		return nil, err
	}

	return append(raw, delimiter...), nil
}

/*
CallError is how a failed call is reported to the caller. It unwraps to the
RpcError, so errors.Is(err, errors.ErrTimeout) works.
*/
type CallError struct {
	ID  json.RawMessage
	Err *errors.RpcError
}

func (e *CallError) Error() string {
	id := string(e.ID)

	if e.ID == nil {
		id = "null"
	}

	return fmt.Sprintf("%s (id %s)", e.Err.Error(), id)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

/*
BatchError rejects a batch in which at least one element carried an error.
Responses holds the whole batch so callers can still use the successes.
*/
type BatchError struct {
	Responses []Message
}

func (e *BatchError) Error() string {
	failed := 0

	for _, response := range e.Responses {
		if response.Error != nil {
			failed++
		}
	}

	return fmt.Sprintf("batch failed: %d of %d responses carry an error", failed, len(e.Responses))
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Responses))

	for _, response := range e.Responses {
		if response.Error != nil {
			errs = append(errs, response.Error)
		}
	}

	return errs
}
