package client

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/theapemachine/rpclink/pkg/errors"
	"github.com/theapemachine/rpclink/pkg/jsonrpc"
	"github.com/theapemachine/rpclink/pkg/logging"
)

// ErrBatchPending is returned when a batch with the same id set is already waiting.
var ErrBatchPending = stderrors.New("a batch with the same ids is already pending")

func (client *Client) allocate() int64 {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.nextID++
	return client.nextID
}

/*
Send calls method and waits for its response, its timeout or ctx. An error
response is returned as a *jsonrpc.CallError along with the message.
*/
func (client *Client) Send(ctx context.Context, method string, params any) (jsonrpc.Message, error) {
	id, err := json.Marshal(client.allocate())

	if err != nil {
		return jsonrpc.Message{}, err
	}

	payload, err := jsonrpc.EncodeRequest(method, params, json.RawMessage(id), client.options.Version, client.options.Delimiter)

	if err != nil {
		return jsonrpc.Message{}, fmt.Errorf("encode %s: %w", method, err)
	}

	return client.await(ctx, id, payload)
}

/*
Call is Send followed by unmarshalling the result into result, which may be
nil to discard it.
*/
func (client *Client) Call(ctx context.Context, method string, params any, result any) error {
	message, err := client.Send(ctx, method, params)

	if err != nil {
		return err
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(message.Result, result); err != nil {
		return fmt.Errorf("decode result of %s: %w", method, err)
	}

	return nil
}

/*
Notify writes a notification. It returns once the bytes are written; there
is no response and no timeout.
*/
func (client *Client) Notify(ctx context.Context, method string, params any) error {
	payload, err := jsonrpc.EncodeRequest(method, params, nil, client.options.Version, client.options.Delimiter)

	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return client.write(payload)
}

/*
Request builds one batch element with a freshly allocated id.
*/
func (client *Client) Request(method string, params any) (json.RawMessage, error) {
	return jsonrpc.MarshalRequest(method, params, client.allocate(), client.options.Version)
}

/*
Notification builds one id-less batch element.
*/
func (client *Client) Notification(method string, params any) (json.RawMessage, error) {
	return jsonrpc.MarshalRequest(method, params, nil, client.options.Version)
}

/*
Batch writes requests as one array and waits for the response array whose
ids are exactly the ids sent. A batch of notifications only returns as soon
as it is written. If any response carries an error the whole batch is
returned inside a *jsonrpc.BatchError.
*/
func (client *Client) Batch(ctx context.Context, requests []json.RawMessage) ([]jsonrpc.Message, error) {
	array, err := json.Marshal(requests)

	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	payload := append(array, client.options.Delimiter...)
	ids := jsonrpc.IDs(array)

	if len(ids) == 0 {
		return nil, client.write(payload)
	}

	key := setKey(ids)
	entry := &pendingBatch{done: make(chan batchOutcome, 1)}

	client.mu.Lock()

	conn, err := client.connection()

	if err != nil {
		client.mu.Unlock()
		return nil, err
	}

	if _, taken := client.batches[key]; taken {
		client.mu.Unlock()
		return nil, ErrBatchPending
	}

	client.batches[key] = entry
	entry.timer = time.AfterFunc(client.options.Timeout, func() {
		client.expireBatch(key)
	})

	client.mu.Unlock()

	if err := conn.Write(payload); err != nil {
		client.takeBatch(key)
		return nil, fmt.Errorf("write batch: %w", err)
	}

	client.metrics.RecordMessageOut()

	select {
	case out := <-entry.done:
		return out.messages, out.err
	case <-ctx.Done():
		client.takeBatch(key)
		return nil, ctx.Err()
	}
}

/*
await registers the pending call and its timer before writing, so a
response can never arrive ahead of its entry.
*/
func (client *Client) await(ctx context.Context, id json.RawMessage, payload []byte) (jsonrpc.Message, error) {
	key := jsonrpc.IDKey(id)
	entry := &pendingCall{id: id, done: make(chan outcome, 1)}

	client.mu.Lock()

	conn, err := client.connection()

	if err != nil {
		client.mu.Unlock()
		return jsonrpc.Message{}, err
	}

	client.pending[key] = entry
	entry.timer = time.AfterFunc(client.options.Timeout, func() {
		client.expire(key)
	})

	client.mu.Unlock()

	if err := conn.Write(payload); err != nil {
		client.take(key)
		return jsonrpc.Message{}, fmt.Errorf("write request %s: %w", key, err)
	}

	client.metrics.RecordMessageOut()

	select {
	case out := <-entry.done:
		return out.message, out.err
	case <-ctx.Done():
		client.take(key)
		return jsonrpc.Message{}, ctx.Err()
	}
}

func (client *Client) write(payload []byte) error {
	client.mu.Lock()
	conn, err := client.connection()
	client.mu.Unlock()

	if err != nil {
		return err
	}

	if err := conn.Write(payload); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	client.metrics.RecordMessageOut()
	return nil
}

/*
take removes a pending call and stops its timer. Only the caller that gets
the entry back may complete it.
*/
func (client *Client) take(key string) *pendingCall {
	client.mu.Lock()
	defer client.mu.Unlock()

	entry, ok := client.pending[key]

	if !ok {
		return nil
	}

	delete(client.pending, key)
	entry.timer.Stop()
	return entry
}

func (client *Client) takeBatch(key string) *pendingBatch {
	client.mu.Lock()
	defer client.mu.Unlock()

	entry, ok := client.batches[key]

	if !ok {
		return nil
	}

	delete(client.batches, key)
	entry.timer.Stop()
	return entry
}

func (client *Client) expire(key string) {
	entry := client.take(key)

	if entry == nil {
		client.recorder.Record(logging.Event{Kind: logging.EventUnmatchedTimeout, ID: key, Err: errors.ErrUnmatchedID})
		return
	}

	client.metrics.RecordTimeout()

	rpcErr := errors.New(errors.CodeTimeout)
	entry.done <- outcome{
		message: jsonrpc.Message{Kind: jsonrpc.KindError, ID: entry.id, Error: rpcErr},
		err:     &jsonrpc.CallError{ID: entry.id, Err: rpcErr},
	}
}

func (client *Client) expireBatch(key string) {
	entry := client.takeBatch(key)

	if entry == nil {
		client.recorder.Record(logging.Event{Kind: logging.EventUnmatchedTimeout, ID: key, Err: errors.ErrUnmatchedID})
		return
	}

	client.metrics.RecordTimeout()
	entry.done <- batchOutcome{err: &jsonrpc.CallError{ID: jsonrpc.NullID, Err: errors.New(errors.CodeTimeout)}}
}

/*
setKey identifies a batch by the set of its ids. Compact JSON never holds a
newline, so joining on one cannot make two sets collide.
*/
func setKey(ids []json.RawMessage) string {
	seen := make(map[string]struct{}, len(ids))
	keys := make([]string, 0, len(ids))

	for _, id := range ids {
		key := jsonrpc.IDKey(id)

		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	sort.Strings(keys)
	return strings.Join(keys, "\n")
}

func isBatchPayload(payload []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(payload), []byte("["))
}
