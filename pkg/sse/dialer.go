package sse

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/rpclink/pkg/metrics"
	"github.com/theapemachine/rpclink/pkg/transport"
)

/*
Dialer pairs an HTTP dialer with an event stream, so notifications the
server broadcasts reach the same handler as responses to calls.
*/
type Dialer struct {
	HTTP      *transport.HTTPDialer
	EventsURL string
	Metrics   *metrics.Metrics
}

func NewDialer(rpcURL, eventsURL string) *Dialer {
	return &Dialer{
		HTTP:      transport.NewHTTPDialer(rpcURL),
		EventsURL: eventsURL,
	}
}

func (dialer *Dialer) Address() string {
	return dialer.HTTP.Address()
}

func (dialer *Dialer) Dial(ctx context.Context, handler transport.Handler) (transport.Conn, error) {
	conn, err := dialer.HTTP.Dial(ctx, handler)

	if err != nil {
		return nil, err
	}

	httpConn, ok := conn.(*transport.HTTPConn)

	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}

	events := NewClient(dialer.EventsURL)

	if dialer.Metrics != nil {
		events.Metrics = dialer.Metrics
	}

	subCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		err := events.SubscribeWithContext(subCtx, "", func(event *Event) {
			httpConn.Deliver(event.Data)
		})

		if err != nil && subCtx.Err() == nil {
			log.Warn("event stream ended", "url", dialer.EventsURL, "error", err)
		}
	}()

	return &eventConn{HTTPConn: httpConn, events: events, cancel: cancel, done: done}, nil
}

type eventConn struct {
	*transport.HTTPConn
	events *Client
	cancel context.CancelFunc
	done   chan struct{}
}

func (conn *eventConn) Close() error {
	conn.events.Close()
	conn.cancel()

	return conn.HTTPConn.CloseAfter(conn.done)
}
