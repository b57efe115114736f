/*
Package transport connects the protocol engines to byte-oriented carriers:
TCP streams, WebSocket connections and HTTP exchanges. The engines only see
the small interfaces declared here.
*/
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned when writing to a connection that was closed.
var ErrClosed = errors.New("transport closed")

/*
Conn is the outbound side of one logical connection.
*/
type Conn interface {
	Write(p []byte) error
	Close() error
	RemoteAddr() string
}

/*
Handler is the inbound side. A transport delivers the events of one
connection sequentially, never from two goroutines at once. HandleEnd marks
the end of one message body on carriers without delimiters, such as HTTP.
HandleClose is called exactly once.
*/
type Handler interface {
	HandleData(chunk []byte)
	HandleEnd()
	HandleError(err error)
	HandleClose()
}

// Dialer opens outbound connections for a client.
type Dialer interface {
	Dial(ctx context.Context, handler Handler) (Conn, error)
	Address() string
}

// Acceptor receives long-lived inbound connections.
type Acceptor interface {
	Accept(conn Conn) Handler
}

// ExchangeAcceptor receives single HTTP request/response exchanges.
type ExchangeAcceptor interface {
	Exchange(conn Conn) Handler
}

/*
WriteError reports a write that failed after Write had already returned,
as happens on HTTP where the exchange runs in the background. Payload is
the message that was lost, so the engine can tell which requests failed.
*/
type WriteError struct {
	Payload []byte
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write failed: %v", e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
