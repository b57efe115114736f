package jsonrpc

import (
	"bytes"
	"encoding/json"

	"github.com/theapemachine/rpclink/pkg/errors"
	"github.com/tidwall/gjson"
)

/*
Decode parses one wire message and classifies it. Invalid JSON yields a
Parse Error; the returned Message still carries the id when one could be
recovered from the malformed text.
*/
func Decode(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)

	if len(trimmed) == 0 || !gjson.ValidBytes(trimmed) {
		return Message{Kind: KindUnknown, Raw: trimmed, ID: probeID(trimmed)}, errors.New(errors.CodeParse)
	}

	return classify(gjson.ParseBytes(trimmed)), nil
}

func classify(result gjson.Result) Message {
	raw := json.RawMessage(result.Raw)

	switch {
	case result.IsArray():
		message := Message{Kind: KindBatch, Raw: raw, Batch: []Message{}}

		result.ForEach(func(_, element gjson.Result) bool {
			message.Batch = append(message.Batch, classify(element))
			return true
		})

		return message
	case !result.IsObject():
		return Message{Kind: KindInvalid, Raw: raw}
	}

	message := Message{Raw: raw}

	if tag := result.Get("jsonrpc"); tag.Exists() {
		message.JSONRPC = tag.String()
	}

	if method := result.Get("method"); method.Type == gjson.String {
		message.Method = method.String()
	}

	if params := result.Get("params"); params.Exists() {
		message.Params = json.RawMessage(params.Raw)
	}

	id := result.Get("id")

	if !id.Exists() {
		message.Kind = KindNotification
		return message
	}

	message.ID = json.RawMessage(id.Raw)

	if rpcErr := result.Get("error"); rpcErr.Exists() && rpcErr.Type != gjson.Null {
		message.Kind = KindError
		message.Error = decodeError(rpcErr)
		return message
	}

	if res := result.Get("result"); res.Exists() {
		message.Kind = KindResponse
		message.Result = json.RawMessage(res.Raw)
		return message
	}

	if result.Get("method").Exists() {
		message.Kind = KindRequest
		return message
	}

	message.Kind = KindUnknown
	return message
}

func decodeError(result gjson.Result) *errors.RpcError {
	if !result.IsObject() {
		return errors.ErrUnknown.WithData(result.Value())
	}

	rpcErr := &errors.RpcError{}

	if err := json.Unmarshal([]byte(result.Raw), rpcErr); err != nil {
		return errors.ErrUnknown.WithData(result.Raw)
	}

	return rpcErr
}

/*
probeID recovers the id from malformed input when the id member itself is
intact, so a Parse Error can still be tied to its request.
*/
func probeID(data []byte) json.RawMessage {
	id := gjson.GetBytes(data, "id")

	if id.Type != gjson.Number && id.Type != gjson.String {
		return nil
	}

	return json.RawMessage(id.Raw)
}

/*
IDs returns the ids present in an outgoing request or batch payload, in
order. Notifications contribute nothing.
*/
func IDs(payload []byte) []json.RawMessage {
	var (
		ids    []json.RawMessage
		parsed = gjson.ParseBytes(bytes.TrimSpace(payload))
	)

	collect := func(element gjson.Result) {
		if id := element.Get("id"); id.Exists() {
			ids = append(ids, json.RawMessage(id.Raw))
		}
	}

	if parsed.IsArray() {
		parsed.ForEach(func(_, element gjson.Result) bool {
			collect(element)
			return true
		})

		return ids
	}

	collect(parsed)
	return ids
}
