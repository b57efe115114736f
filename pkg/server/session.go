package server

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/theapemachine/rpclink/pkg/buffer"
	"github.com/theapemachine/rpclink/pkg/errors"
	"github.com/theapemachine/rpclink/pkg/jsonrpc"
	"github.com/theapemachine/rpclink/pkg/logging"
	"github.com/theapemachine/rpclink/pkg/transport"
	"github.com/tidwall/gjson"
)

type sessionKey struct{}

// SessionFromContext returns the session a handler is serving, if any.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	session, ok := ctx.Value(sessionKey{}).(*Session)
	return session, ok
}

/*
Session is the server side of one connection or HTTP exchange. Inbound
messages are drained in arrival order; handlers run concurrently and each
writes its response when it finishes.
*/
type Session struct {
	id      string
	server  *Server
	conn    transport.Conn
	buffer  *buffer.MessageBuffer
	tracked bool

	inflight  sync.WaitGroup
	closeOnce sync.Once
}

func (session *Session) ID() string {
	return session.id
}

func (session *Session) RemoteAddr() string {
	return session.conn.RemoteAddr()
}

// Notify sends a notification to this session only.
func (session *Session) Notify(method string, params any) error {
	options := session.server.options

	payload, err := jsonrpc.EncodeRequest(method, params, nil, options.Version, options.Delimiter)

	if err != nil {
		return err
	}

	return session.send(payload)
}

func (session *Session) HandleData(chunk []byte) {
	session.buffer.Push(chunk)

	for !session.buffer.IsFinished() {
		raw, ok := session.buffer.Extract()

		if !ok {
			break
		}

		session.process(raw)
	}
}

/*
HandleEnd treats whatever is left in the buffer as a final message and
waits for every handler still running, so the exchange is complete when it
returns.
*/
func (session *Session) HandleEnd() {
	if rest := session.buffer.Remainder(); len(bytes.TrimSpace(rest)) > 0 {
		session.process(rest)
	}

	session.inflight.Wait()
}

func (session *Session) HandleError(err error) {
	session.server.recorder.Record(logging.Event{
		Kind:    logging.EventTransportError,
		Session: session.id,
		Err:     err,
	})
}

func (session *Session) HandleClose() {
	session.closeOnce.Do(func() {
		if session.tracked {
			session.server.remove(session)
		}
	})
}

func (session *Session) process(raw []byte) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return
	}

	message, err := jsonrpc.Decode(raw)

	if err != nil {
		session.server.metrics.RecordParseError()
		session.server.recorder.Record(logging.Event{
			Kind:    logging.EventParseError,
			Session: session.id,
			Err:     err,
		})
		session.write(session.errorResponse(errors.ErrParse, jsonrpc.NullID))
		return
	}

	session.server.metrics.RecordMessageIn(message.Kind == jsonrpc.KindNotification)

	switch message.Kind {
	case jsonrpc.KindNotification:
		session.notify(message)
	case jsonrpc.KindBatch:
		session.inflight.Add(1)

		go func() {
			defer session.inflight.Done()
			session.write(session.batch(message))
		}()
	default:
		session.inflight.Add(1)

		go func() {
			defer session.inflight.Done()
			session.write(session.respond(message))
		}()
	}
}

func (session *Session) notify(message jsonrpc.Message) {
	for _, sub := range session.server.listenersFor(message.Method) {
		sub.fn(session, message)
	}
}

/*
batch answers every element concurrently and joins the answers in input
order. An empty batch gets one bare Invalid Request error, not an array.
*/
func (session *Session) batch(message jsonrpc.Message) json.RawMessage {
	if len(message.Batch) == 0 {
		return session.errorResponse(errors.ErrInvalidRequest, jsonrpc.NullID)
	}

	var (
		wg        sync.WaitGroup
		responses = make([]json.RawMessage, len(message.Batch))
	)

	for idx, element := range message.Batch {
		wg.Add(1)

		go func(idx int, element jsonrpc.Message) {
			defer wg.Done()
			responses[idx] = session.respond(element)
		}(idx, element)
	}

	wg.Wait()

	out := make([]json.RawMessage, 0, len(responses))

	for _, response := range responses {
		if response != nil {
			out = append(out, response)
		}
	}

	if len(out) == 0 {
		return nil
	}

	joined, err := json.Marshal(out)

	if err != nil {
		return session.errorResponse(errors.ErrInternal.WithData(err.Error()), jsonrpc.NullID)
	}

	return joined
}

/*
respond produces the answer to one message, or nil when none is owed.
*/
func (session *Session) respond(message jsonrpc.Message) json.RawMessage {
	switch message.Kind {
	case jsonrpc.KindNotification:
		session.notify(message)
		return nil
	case jsonrpc.KindInvalid, jsonrpc.KindBatch:
		return session.errorResponse(errors.ErrInvalidRequest, jsonrpc.NullID)
	}

	handler, params, rpcErr := session.validate(message)

	if rpcErr != nil {
		return session.errorResponse(rpcErr, message.ID)
	}

	result, rpcErr := session.invoke(handler, message, params)

	if rpcErr != nil {
		return session.errorResponse(rpcErr, message.ID)
	}

	raw, err := jsonrpc.MarshalResponse(result, message.ID, session.server.options.Version)

	if err != nil {
		return session.errorResponse(errors.ErrInternal.WithData(err.Error()), message.ID)
	}

	return raw
}

func (session *Session) validate(message jsonrpc.Message) (Handler, json.RawMessage, *errors.RpcError) {
	method := message.Field("method")

	if method.Type != gjson.String {
		return nil, nil, errors.ErrInvalidRequest
	}

	handler, ok := session.server.registry.Lookup(method.String())

	if !ok {
		return nil, nil, errors.ErrMethodNotFound
	}

	var params json.RawMessage

	if field := message.Field("params"); field.Exists() {
		if !field.IsArray() && !field.IsObject() {
			return nil, nil, errors.ErrInvalidParams
		}

		params = json.RawMessage(field.Raw)
	}

	if session.server.options.Version == jsonrpc.Version1 && message.Field("jsonrpc").Exists() {
		return nil, nil, errors.ErrInvalidRequest
	}

	return handler, params, nil
}

/*
invoke runs the handler and classifies its failure. A panic is reported as
Internal Error rather than taking the connection down.
*/
func (session *Session) invoke(handler Handler, message jsonrpc.Message, params json.RawMessage) (result any, rpcErr *errors.RpcError) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			rpcErr = errors.ErrInternal.WithData(fmt.Sprint(r))
		}
	}()

	ctx := context.WithValue(context.Background(), sessionKey{}, session)

	result, err := handler(ctx, params)

	if err != nil {
		rpcErr = classify(err)

		session.server.recorder.Record(logging.Event{
			Kind:    logging.EventHandlerFailed,
			Session: session.id,
			ID:      message.Key(),
			Method:  message.Method,
			Err:     err,
		})

		return nil, rpcErr
	}

	return result, nil
}

/*
classify maps a handler error onto the error table. Argument shape problems
are a best-effort guess from the error chain.
*/
func classify(err error) *errors.RpcError {
	var (
		rpcErr    *errors.RpcError
		typeErr   *json.UnmarshalTypeError
		syntaxErr *json.SyntaxError
	)

	switch {
	case stderrors.As(err, &rpcErr):
		return rpcErr
	case stderrors.Is(err, errors.ErrWrongArgument),
		stderrors.As(err, &typeErr),
		stderrors.As(err, &syntaxErr):
		return errors.ErrInvalidParams.WithData(err.Error())
	default:
		return errors.ErrInternal.WithData(err.Error())
	}
}

func (session *Session) errorResponse(rpcErr *errors.RpcError, id json.RawMessage) json.RawMessage {
	raw, err := jsonrpc.MarshalError(rpcErr, id, session.server.options.Version)

	if err != nil {
		// Data that cannot be marshalled is dropped rather than losing the error.
		raw, _ = jsonrpc.MarshalError(errors.New(rpcErr.Code), id, session.server.options.Version)
	}

	return raw
}

func (session *Session) write(raw json.RawMessage) {
	if raw == nil {
		return
	}

	payload := append(append([]byte(nil), raw...), session.server.options.Delimiter...)

	if err := session.send(payload); err != nil {
		session.server.recorder.Record(logging.Event{
			Kind:    logging.EventWriteFailed,
			Session: session.id,
			Err:     err,
		})
	}
}

func (session *Session) send(payload []byte) error {
	if err := session.conn.Write(payload); err != nil {
		return err
	}

	session.server.metrics.RecordMessageOut()
	return nil
}
