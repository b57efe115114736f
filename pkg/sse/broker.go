package sse

import (
	"bytes"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/theapemachine/rpclink/pkg/transport"
)

// ErrSlowSubscriber is returned for a notification dropped because the
// subscriber's queue was full.
var ErrSlowSubscriber = errors.New("subscriber queue full")

/*
Broker serves event streams. Every subscriber is handed to the acceptor as
an ordinary connection, so the server tracks it like any other session and
its broadcast notifications arrive as events of the form:

data: {json}\n\n
*/
type Broker struct {
	acceptor  transport.Acceptor
	heartbeat time.Duration
	queue     int

	mu      sync.Mutex
	streams map[*stream]struct{}
	closed  bool
}

type BrokerOption func(*Broker)

// WithHeartbeat sets how often a comment line keeps idle streams alive.
func WithHeartbeat(interval time.Duration) BrokerOption {
	return func(broker *Broker) {
		broker.heartbeat = interval
	}
}

/*
NewBroker creates a Broker that registers subscribers with acceptor.
*/
func NewBroker(acceptor transport.Acceptor, opts ...BrokerOption) *Broker {
	broker := &Broker{
		acceptor:  acceptor,
		heartbeat: 25 * time.Second,
		queue:     64,
		streams:   make(map[*stream]struct{}),
	}

	for _, opt := range opts {
		opt(broker)
	}

	return broker
}

/*
ServeHTTP streams events to the caller and blocks until it disconnects or
the broker closes.
*/
func (broker *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)

	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := &stream{
		addr: r.RemoteAddr,
		ch:   make(chan []byte, broker.queue),
		done: make(chan struct{}),
	}

	broker.mu.Lock()

	if broker.closed {
		broker.mu.Unlock()
		http.Error(w, "broker closed", http.StatusGone)
		return
	}

	broker.streams[sub] = struct{}{}
	broker.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	handler := broker.acceptor.Accept(sub)

	defer func() {
		broker.remove(sub)
		handler.HandleClose()
	}()

	ticker := time.NewTicker(broker.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.done:
			return
		case msg := <-sub.ch:
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(msg)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()
		}
	}
}

/*
Close ends every stream and refuses new subscribers.
*/
func (broker *Broker) Close() {
	broker.mu.Lock()
	defer broker.mu.Unlock()

	if broker.closed {
		return
	}

	broker.closed = true

	for sub := range broker.streams {
		sub.Close()
	}

	broker.streams = map[*stream]struct{}{}
}

// Subscribers returns the number of open streams.
func (broker *Broker) Subscribers() int {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	return len(broker.streams)
}

func (broker *Broker) remove(sub *stream) {
	broker.mu.Lock()
	delete(broker.streams, sub)
	broker.mu.Unlock()

	sub.Close()
}

/*
stream is the transport.Conn side of one subscriber. Writes never block: a
full queue drops the message and reports ErrSlowSubscriber.
*/
type stream struct {
	addr string
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (sub *stream) Write(p []byte) error {
	select {
	case <-sub.done:
		return transport.ErrClosed
	default:
	}

	// One event per line; the delimiter would end the event early.
	msg := append([]byte(nil), bytes.TrimSpace(p)...)

	select {
	case sub.ch <- msg:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

func (sub *stream) Close() error {
	sub.once.Do(func() {
		close(sub.done)
	})

	return nil
}

func (sub *stream) RemoteAddr() string {
	return sub.addr
}
