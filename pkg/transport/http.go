package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	fiberClient "github.com/gofiber/fiber/v3/client"
)

/*
HTTPDialer "connects" to a JSON-RPC HTTP endpoint. No socket is held open:
every Write becomes one POST exchange and its response body is delivered to
the handler as one complete message.
*/
type HTTPDialer struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

func NewHTTPDialer(url string) *HTTPDialer {
	return &HTTPDialer{URL: url, Headers: map[string]string{}}
}

func (dialer *HTTPDialer) Address() string {
	return dialer.URL
}

func (dialer *HTTPDialer) Dial(ctx context.Context, handler Handler) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := fiberClient.New()

	if dialer.Timeout > 0 {
		client.SetTimeout(dialer.Timeout)
	}

	exchangeCtx, cancel := context.WithCancel(context.Background())

	return &HTTPConn{
		client:  client,
		url:     dialer.URL,
		headers: dialer.Headers,
		handler: handler,
		ctx:     exchangeCtx,
		cancel:  cancel,
	}, nil
}

/*
HTTPConn is the client side of an HTTP "connection".
*/
type HTTPConn struct {
	client  *fiberClient.Client
	url     string
	headers map[string]string
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	deliverMu sync.Mutex
	closed    bool
	inflight  sync.WaitGroup
}

/*
Write starts one POST exchange and returns without waiting for the answer.
Failures of the exchange itself reach the handler as a *WriteError.
*/
func (conn *HTTPConn) Write(p []byte) error {
	conn.mu.Lock()

	if conn.closed {
		conn.mu.Unlock()
		return ErrClosed
	}

	conn.inflight.Add(1)
	conn.mu.Unlock()

	payload := append([]byte(nil), p...)

	go func() {
		defer conn.inflight.Done()
		conn.exchange(payload)
	}()

	return nil
}

func (conn *HTTPConn) exchange(payload []byte) {
	req := conn.client.R().
		SetContext(conn.ctx).
		SetHeaders(conn.headers).
		SetHeader("Content-Type", "application/json").
		SetRawBody(payload)

	resp, err := req.Post(conn.url)

	if err != nil {
		if conn.ctx.Err() == nil {
			conn.deliverError(&WriteError{Payload: payload, Err: err})
		}

		return
	}

	defer resp.Close()

	// A notification is acknowledged with 204 and nothing to read.
	if resp.StatusCode() == http.StatusNoContent || len(resp.Body()) == 0 {
		return
	}

	conn.Deliver(append([]byte(nil), resp.Body()...))
}

/*
Deliver hands body to the handler as one complete message. Exchanges finish
concurrently, so deliveries are serialized here to keep the handler's
events sequential.
*/
func (conn *HTTPConn) Deliver(body []byte) {
	conn.deliverMu.Lock()
	defer conn.deliverMu.Unlock()

	conn.handler.HandleData(body)
	conn.handler.HandleEnd()
}

func (conn *HTTPConn) deliverError(err error) {
	conn.deliverMu.Lock()
	defer conn.deliverMu.Unlock()

	conn.handler.HandleError(err)
}

/*
Close aborts exchanges still in flight and returns. HandleClose follows once
they have finished, on a goroutine of its own, so Close may be called from
inside a handler callback.
*/
func (conn *HTTPConn) Close() error {
	return conn.CloseAfter(nil)
}

/*
CloseAfter is Close for connections that also deliver from outside Write,
such as an event stream: HandleClose waits until done is closed as well.
*/
func (conn *HTTPConn) CloseAfter(done <-chan struct{}) error {
	conn.mu.Lock()

	if conn.closed {
		conn.mu.Unlock()
		return nil
	}

	conn.closed = true
	conn.mu.Unlock()

	conn.cancel()

	go func() {
		conn.inflight.Wait()

		if done != nil {
			<-done
		}

		conn.deliverMu.Lock()
		defer conn.deliverMu.Unlock()
		conn.handler.HandleClose()
	}()

	return nil
}

func (conn *HTTPConn) RemoteAddr() string {
	return conn.url
}
