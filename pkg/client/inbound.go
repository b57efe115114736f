package client

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"sync"

	"github.com/theapemachine/rpclink/pkg/buffer"
	"github.com/theapemachine/rpclink/pkg/errors"
	"github.com/theapemachine/rpclink/pkg/jsonrpc"
	"github.com/theapemachine/rpclink/pkg/logging"
	"github.com/theapemachine/rpclink/pkg/transport"
)

/*
inbound receives the transport events of one connection. established and
closed are guarded by the client mutex.

Notifications are queued for a worker goroutine of their own, so listeners
run in arrival order and may call back into the client while the read side
keeps draining responses.
*/
type inbound struct {
	client      *Client
	buffer      *buffer.MessageBuffer
	established bool
	closed      bool
	closeOnce   sync.Once

	queueMu   sync.Mutex
	queue     []jsonrpc.Message
	wake      chan struct{}
	stop      chan struct{}
	startOnce sync.Once
}

func newInbound(client *Client) *inbound {
	return &inbound{
		client: client,
		buffer: buffer.New(client.options.Delimiter),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

func (in *inbound) HandleData(chunk []byte) {
	in.buffer.Push(chunk)

	for !in.buffer.IsFinished() {
		raw, ok := in.buffer.Extract()

		if !ok {
			break
		}

		in.dispatch(raw)
	}
}

// HandleEnd flushes what is left; an HTTP body carries no trailing delimiter.
func (in *inbound) HandleEnd() {
	if rest := in.buffer.Remainder(); len(bytes.TrimSpace(rest)) > 0 {
		in.dispatch(rest)
	}
}

/*
HandleError fails the calls a lost write was carrying right away rather
than leaving them to their timers.
*/
func (in *inbound) HandleError(err error) {
	var writeErr *transport.WriteError

	if !stderrors.As(err, &writeErr) {
		in.client.recorder.Record(logging.Event{Kind: logging.EventTransportError, Err: err})
		return
	}

	in.client.recorder.Record(logging.Event{Kind: logging.EventWriteFailed, Err: err})
	in.client.rejectPayload(writeErr.Payload, err)
}

func (in *inbound) HandleClose() {
	in.closeOnce.Do(func() {
		close(in.stop)
		in.client.disconnected(in)
	})
}

// enqueue hands message to the notification worker, starting it on first use.
func (in *inbound) enqueue(message jsonrpc.Message) {
	in.startOnce.Do(func() {
		go in.deliver()
	})

	in.queueMu.Lock()
	in.queue = append(in.queue, message)
	in.queueMu.Unlock()

	select {
	case in.wake <- struct{}{}:
	default:
	}
}

/*
deliver runs the listeners for queued notifications until the connection
closes. Whatever was queued before the close is still delivered.
*/
func (in *inbound) deliver() {
	for {
		select {
		case <-in.wake:
			in.drain()
		case <-in.stop:
			in.drain()
			return
		}
	}
}

func (in *inbound) drain() {
	for {
		in.queueMu.Lock()

		if len(in.queue) == 0 {
			in.queueMu.Unlock()
			return
		}

		message := in.queue[0]
		in.queue = in.queue[1:]
		in.queueMu.Unlock()

		in.client.notify(message)
	}
}

/*
isNotification reports whether an inbound message is a notification. A 1.0
peer sends them with "id": null, which the client treats the same as a
missing id; it never answers server requests, so nothing is lost.
*/
func isNotification(message jsonrpc.Message) bool {
	switch message.Kind {
	case jsonrpc.KindNotification:
		return true
	case jsonrpc.KindRequest:
		return message.Method != "" && message.Key() == jsonrpc.IDKey(jsonrpc.NullID)
	}

	return false
}

/*
dispatch routes one inbound message. Anything that cannot be read as a
response becomes an error response of its own and goes through the same
matching, so a recoverable id still fails the right call.
*/
func (in *inbound) dispatch(raw []byte) {
	client := in.client

	if len(bytes.TrimSpace(raw)) == 0 {
		return
	}

	message, err := jsonrpc.Decode(raw)

	if err != nil {
		client.metrics.RecordParseError()
		client.recorder.Record(logging.Event{Kind: logging.EventParseError, ID: message.Key(), Err: err})

		id := message.ID

		if id == nil {
			id = jsonrpc.NullID
		}

		client.settle(jsonrpc.Message{Kind: jsonrpc.KindError, ID: id, Error: errors.New(errors.CodeParse), Raw: message.Raw})
		return
	}

	if isNotification(message) {
		message.Kind = jsonrpc.KindNotification
		message.ID = nil
	}

	client.metrics.RecordMessageIn(message.Kind == jsonrpc.KindNotification)

	switch message.Kind {
	case jsonrpc.KindNotification:
		in.enqueue(message)
	case jsonrpc.KindBatch:
		in.settleBatch(message)
	case jsonrpc.KindResponse, jsonrpc.KindError:
		client.settle(message)
	case jsonrpc.KindInvalid:
		client.settle(jsonrpc.Message{Kind: jsonrpc.KindError, ID: jsonrpc.NullID, Error: errors.New(errors.CodeParse), Raw: message.Raw})
	default:
		client.settle(jsonrpc.Message{Kind: jsonrpc.KindError, ID: message.ID, Error: errors.New(errors.CodeUnknown), Raw: message.Raw})
	}
}

func (client *Client) settle(message jsonrpc.Message) {
	entry := client.take(message.Key())

	if entry == nil {
		client.metrics.RecordUnmatched()
		client.recorder.Record(logging.Event{
			Kind: logging.EventUnmatchedResponse,
			ID:   message.Key(),
			Err:  errors.ErrUnmatchedID,
		})
		return
	}

	if message.Kind == jsonrpc.KindError {
		entry.done <- outcome{message: message, err: &jsonrpc.CallError{ID: message.ID, Err: message.Error}}
		return
	}

	entry.done <- outcome{message: message}
}

/*
settleBatch dispatches the id-less elements as notifications and matches
the rest against the batch sent with exactly the same ids.
*/
func (in *inbound) settleBatch(message jsonrpc.Message) {
	client := in.client

	var (
		responses []jsonrpc.Message
		ids       = make([]json.RawMessage, 0, len(message.Batch))
		failed    bool
	)

	for _, element := range message.Batch {
		if isNotification(element) {
			element.Kind = jsonrpc.KindNotification
			element.ID = nil
			in.enqueue(element)
			continue
		}

		if !element.HasID() {
			continue
		}

		responses = append(responses, element)
		ids = append(ids, element.ID)
		failed = failed || element.Kind == jsonrpc.KindError
	}

	if len(responses) == 0 {
		return
	}

	key := setKey(ids)
	entry := client.takeBatch(key)

	if entry == nil {
		client.metrics.RecordUnmatched()
		client.recorder.Record(logging.Event{Kind: logging.EventUnmatchedBatch, ID: key, Err: errors.ErrUnmatchedID})
		return
	}

	if failed {
		entry.done <- batchOutcome{messages: responses, err: &jsonrpc.BatchError{Responses: responses}}
		return
	}

	entry.done <- batchOutcome{messages: responses}
}

/*
rejectPayload fails whatever a lost write was waiting on, single call or
batch alike.
*/
func (client *Client) rejectPayload(payload []byte, err error) {
	ids := jsonrpc.IDs(payload)

	if len(ids) == 0 {
		return
	}

	if isBatchPayload(payload) {
		if entry := client.takeBatch(setKey(ids)); entry != nil {
			entry.done <- batchOutcome{err: err}
		}

		return
	}

	if entry := client.take(jsonrpc.IDKey(ids[0])); entry != nil {
		entry.done <- outcome{err: err}
	}
}
