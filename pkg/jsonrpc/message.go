/*
Package jsonrpc encodes and classifies JSON-RPC 1.0 and 2.0 messages.
*/
package jsonrpc

import (
	"bytes"
	"encoding/json"

	"github.com/theapemachine/rpclink/pkg/errors"
	"github.com/tidwall/gjson"
)

// Version selects the wire shape of outgoing messages.
type Version int

const (
	Version1 Version = 1
	Version2 Version = 2
)

// versionTag is the value of the "jsonrpc" member on version 2 messages.
const versionTag = "2.0"

// Kind is the classification Decode assigns to a message.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindNotification
	KindResponse
	KindError
	KindBatch
	// KindInvalid is valid JSON that is neither an object nor an array.
	KindInvalid
)

func (kind Kind) String() string {
	switch kind {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	case KindBatch:
		return "batch"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

/*
Message is a decoded JSON-RPC message. Which fields are set depends on Kind.
ID is nil when the message carried no "id" member and holds the literal
null when it carried "id":null.
*/
type Message struct {
	Kind    Kind
	JSONRPC string
	ID      json.RawMessage
	Method  string
	Params  json.RawMessage
	Result  json.RawMessage
	Error   *errors.RpcError
	Batch   []Message
	Raw     json.RawMessage
}

// HasID reports whether the message carried an "id" member at all.
func (message Message) HasID() bool {
	return message.ID != nil
}

// Key returns the pending-table key for the message id.
func (message Message) Key() string {
	return IDKey(message.ID)
}

/*
Field looks up a top-level member of the raw message, so callers can check
what was actually on the wire rather than what Decode made of it.
*/
func (message Message) Field(name string) gjson.Result {
	return gjson.GetBytes(message.Raw, name)
}

/*
IDKey turns a raw id into a comparable key. Whitespace is not significant,
so 1 and " 1 " produce the same key while 1 and "1" do not.
*/
func IDKey(id json.RawMessage) string {
	if id == nil {
		return ""
	}

	var compact bytes.Buffer

	if err := json.Compact(&compact, id); err != nil {
		return string(bytes.TrimSpace(id))
	}

	return compact.String()
}

/*
NullID is the id used for errors that cannot be tied to a request.
*/
var NullID = json.RawMessage("null")
