package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/theapemachine/rpclink/pkg/errors"
)

type request struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

/*
MarshalRequest builds a request without a trailing delimiter. A nil id
produces a notification. params must marshal to a JSON array or object, or
be nil.
*/
func MarshalRequest(method string, params any, id any, version Version) (json.RawMessage, error) {
	var (
		req = request{Method: method}
		err error
	)

	if version == Version2 {
		req.JSONRPC = versionTag
	}

	if req.Params, err = marshalParams(params); err != nil {
		return nil, err
	}

	if req.ID, err = marshalID(id); err != nil {
		return nil, err
	}

	return json.Marshal(req)
}

/*
EncodeRequest is MarshalRequest followed by the delimiter.
*/
func EncodeRequest(method string, params any, id any, version Version, delimiter string) ([]byte, error) {
	raw, err := MarshalRequest(method, params, id, version)

	if err != nil {
		return nil, err
	}

	return append(raw, delimiter...), nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}

	var (
		raw json.RawMessage
		err error
	)

	if given, ok := params.(json.RawMessage); ok {
		raw = bytes.TrimSpace(given)
	} else if raw, err = json.Marshal(params); err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	if len(raw) == 0 || bytes.Equal(raw, NullID) {
		return nil, nil
	}

	if raw[0] != '[' && raw[0] != '{' {
		return nil, fmt.Errorf("%w: got %T", errors.ErrParamsType, params)
	}

	return raw, nil
}

func marshalID(id any) (json.RawMessage, error) {
	switch v := id.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

/*
Bind unmarshals handler params into out. Missing or mismatched params are
reported as errors.ErrWrongArgument so the server answers Invalid Parameters.
*/
func Bind(params json.RawMessage, out any) error {
	if len(bytes.TrimSpace(params)) == 0 {
		return fmt.Errorf("%w: missing params", errors.ErrWrongArgument)
	}

	if err := json.Unmarshal(params, out); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrWrongArgument, err)
	}

	return nil
}
