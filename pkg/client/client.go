/*
Package client is the JSON-RPC client protocol engine. It owns one
connection at a time and correlates responses with the calls and batches
still waiting for them.
*/
package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/theapemachine/rpclink/pkg/config"
	"github.com/theapemachine/rpclink/pkg/errors"
	"github.com/theapemachine/rpclink/pkg/jsonrpc"
	"github.com/theapemachine/rpclink/pkg/logging"
	"github.com/theapemachine/rpclink/pkg/metrics"
	"github.com/theapemachine/rpclink/pkg/transport"
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReconnecting
	StateConnected
)

func (state State) String() string {
	switch state {
	case StateConnecting:
		return "connecting"
	case StateReconnecting:
		return "reconnecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type outcome struct {
	message jsonrpc.Message
	err     error
}

type pendingCall struct {
	id    json.RawMessage
	done  chan outcome
	timer *time.Timer
}

type batchOutcome struct {
	messages []jsonrpc.Message
	err      error
}

type pendingBatch struct {
	done  chan batchOutcome
	timer *time.Timer
}

/*
Client issues calls, notifications and batches over whatever the Dialer
connects to. Every pending entry is completed exactly once: by its response,
by its timer, by a failed write, or by the caller giving up.
*/
type Client struct {
	dialer   transport.Dialer
	options  config.Options
	recorder logging.Recorder
	metrics  *metrics.Metrics

	mu            sync.Mutex
	state         State
	conn          transport.Conn
	current       *inbound
	remaining     int
	nextID        int64
	cancelConnect context.CancelFunc
	attempts      uint64
	connecting    uint64
	pending       map[string]*pendingCall
	batches       map[string]*pendingBatch
	listeners     map[string][]*Subscription
	onDisconnect  []func()
}

type Option func(*Client)

func WithRecorder(recorder logging.Recorder) Option {
	return func(client *Client) {
		client.recorder = recorder
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(client *Client) {
		client.metrics = m
	}
}

/*
New creates a disconnected Client. Nothing is dialed until Connect.
*/
func New(dialer transport.Dialer, options config.Options, opts ...Option) *Client {
	client := &Client{
		dialer:    dialer,
		options:   options,
		recorder:  logging.Discard,
		metrics:   metrics.New(),
		remaining: options.RetryBudget(),
		pending:   make(map[string]*pendingCall),
		batches:   make(map[string]*pendingBatch),
		listeners: make(map[string][]*Subscription),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

func (client *Client) State() State {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.state
}

func (client *Client) Metrics() *metrics.Metrics {
	return client.metrics
}

// OnDisconnect registers fn to run once each time an established connection closes.
func (client *Client) OnDisconnect(fn func()) {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.onDisconnect = append(client.onDisconnect, fn)
}

/*
Connect dials until it succeeds or the retry budget is spent, waiting
ConnectionTimeout between attempts. It returns the address connected to.
When the budget runs out the last dial error is returned as is.
*/
func (client *Client) Connect(ctx context.Context) (string, error) {
	client.mu.Lock()

	if client.state != StateDisconnected {
		client.mu.Unlock()
		return "", errors.ErrAlreadyConnected
	}

	ctx, cancel := context.WithCancel(ctx)
	client.attempts++
	attempt := client.attempts
	client.connecting = attempt
	client.state = StateConnecting
	client.cancelConnect = cancel
	budget := client.remaining
	client.mu.Unlock()

	defer cancel()

	var (
		conn     transport.Conn
		handler  *inbound
		started  = time.Now()
		retryCfg = &errors.RetryConfig{
			MaxAttempts:   budget,
			InitialDelay:  client.options.ConnectionTimeout,
			BackoffFactor: 1,
		}
	)

	err := errors.Retry(ctx, retryCfg, func() error {
		handler = newInbound(client)

		var dialErr error
		conn, dialErr = client.dialer.Dial(ctx, handler)

		if dialErr != nil {
			client.metrics.RecordConnection(false, 0)
		}

		return dialErr
	}, func(remaining int, err error) {
		client.mu.Lock()

		if client.connecting == attempt {
			if remaining >= 0 {
				client.remaining = remaining
			}

			if client.state == StateConnecting {
				client.state = StateReconnecting
			}
		}

		client.mu.Unlock()

		client.metrics.RecordReconnection()
		client.recorder.Record(logging.Event{
			Kind:    logging.EventConnectRetry,
			Message: fmt.Sprintf("unable to connect, retrying (%s left)", retriesLeft(remaining)),
			Err:     err,
		})
	})

	client.mu.Lock()

	// End ran since this attempt started; the client may belong to a newer
	// Connect by now, so its state is left alone.
	if client.connecting != attempt {
		client.mu.Unlock()

		if conn != nil {
			conn.Close()
		}

		if err != nil && stderrors.Is(err, errors.ErrConnectAborted) {
			return "", err
		}

		return "", errors.ErrConnectAborted
	}

	client.connecting = 0
	client.cancelConnect = nil

	if err != nil {
		client.state = StateDisconnected
		client.mu.Unlock()
		return "", err
	}

	if handler.closed {
		client.state = StateDisconnected
		client.mu.Unlock()

		conn.Close()
		return "", transport.ErrClosed
	}

	client.state = StateConnected
	client.conn = conn
	client.current = handler
	handler.established = true
	client.mu.Unlock()

	client.metrics.RecordConnection(true, time.Since(started))
	client.recorder.Record(logging.Event{Kind: logging.EventConnected, Message: "connected to " + client.dialer.Address()})

	return client.dialer.Address(), nil
}

func retriesLeft(remaining int) string {
	if remaining < 0 {
		return "unlimited"
	}

	return fmt.Sprintf("%d", remaining)
}

/*
End stops a connect in progress and closes the connection. The retry budget
is restored. Calls still waiting keep waiting for their own timers.
*/
func (client *Client) End() error {
	client.mu.Lock()

	if client.cancelConnect != nil {
		client.cancelConnect()
		client.cancelConnect = nil
	}

	client.connecting = 0

	conn := client.conn
	client.conn = nil
	client.current = nil
	client.state = StateDisconnected
	client.remaining = client.options.RetryBudget()
	client.mu.Unlock()

	if conn == nil {
		return nil
	}

	return conn.Close()
}

/*
disconnected runs once per connection when the transport reports the close.
*/
func (client *Client) disconnected(handler *inbound) {
	client.mu.Lock()

	handler.closed = true

	if client.current == handler {
		client.conn = nil
		client.current = nil
		client.state = StateDisconnected
	}

	established := handler.established
	hooks := append([]func(){}, client.onDisconnect...)
	client.mu.Unlock()

	if !established {
		return
	}

	client.metrics.RecordDisconnection()
	client.recorder.Record(logging.Event{Kind: logging.EventDisconnected, Message: "disconnected from " + client.dialer.Address()})

	for _, hook := range hooks {
		hook()
	}
}

// connection returns the live connection, or ErrNotConnected.
func (client *Client) connection() (transport.Conn, error) {
	if client.state != StateConnected || client.conn == nil {
		return nil, errors.ErrNotConnected
	}

	return client.conn, nil
}
