/*
Package server is the JSON-RPC server protocol engine. It validates and
dispatches requests arriving on any transport, aggregates batches, and
broadcasts notifications to connected clients.
*/
package server

import (
	"sync"

	"github.com/google/uuid"
	"github.com/theapemachine/rpclink/pkg/buffer"
	"github.com/theapemachine/rpclink/pkg/config"
	"github.com/theapemachine/rpclink/pkg/errors"
	"github.com/theapemachine/rpclink/pkg/jsonrpc"
	"github.com/theapemachine/rpclink/pkg/logging"
	"github.com/theapemachine/rpclink/pkg/metrics"
	"github.com/theapemachine/rpclink/pkg/transport"
)

// NotificationFunc receives a notification sent by a client.
type NotificationFunc func(session *Session, message jsonrpc.Message)

// Subscription is the handle returned by OnNotify.
type Subscription struct {
	method string
	fn     NotificationFunc
}

/*
Server owns the method registry, the notification listeners and the set of
connected sessions. Every transport hands its connections to the same
Server.
*/
type Server struct {
	options  config.Options
	registry *Registry
	recorder logging.Recorder
	metrics  *metrics.Metrics

	mu           sync.RWMutex
	sessions     map[string]*Session
	listeners    map[string][]*Subscription
	onConnect    []func(*Session)
	onDisconnect []func(*Session)
}

type Option func(*Server)

func WithRecorder(recorder logging.Recorder) Option {
	return func(srv *Server) {
		srv.recorder = recorder
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(srv *Server) {
		srv.metrics = m
	}
}

/*
New creates a Server answering with the version and delimiter in options.
*/
func New(options config.Options, registry *Registry, opts ...Option) *Server {
	if registry == nil {
		registry = NewRegistry()
	}

	srv := &Server{
		options:   options,
		registry:  registry,
		recorder:  logging.Discard,
		metrics:   metrics.New(),
		sessions:  make(map[string]*Session),
		listeners: make(map[string][]*Subscription),
	}

	for _, opt := range opts {
		opt(srv)
	}

	return srv
}

func (srv *Server) Registry() *Registry {
	return srv.registry
}

func (srv *Server) Metrics() *metrics.Metrics {
	return srv.metrics
}

/*
Accept starts a tracked session for a long-lived connection. Tracked
sessions receive broadcast notifications until they close.
*/
func (srv *Server) Accept(conn transport.Conn) transport.Handler {
	session := srv.newSession(conn, true)

	srv.mu.Lock()
	srv.sessions[session.id] = session
	hooks := append([]func(*Session){}, srv.onConnect...)
	srv.mu.Unlock()

	srv.metrics.RecordConnection(true, 0)
	srv.recorder.Record(logging.Event{Kind: logging.EventConnected, Session: session.id, Message: "client connected"})

	for _, hook := range hooks {
		hook(session)
	}

	return session
}

/*
Exchange starts an untracked session for a single HTTP exchange.
*/
func (srv *Server) Exchange(conn transport.Conn) transport.Handler {
	return srv.newSession(conn, false)
}

func (srv *Server) newSession(conn transport.Conn, tracked bool) *Session {
	return &Session{
		id:      uuid.NewString(),
		server:  srv,
		conn:    conn,
		buffer:  buffer.New(srv.options.Delimiter),
		tracked: tracked,
	}
}

func (srv *Server) remove(session *Session) {
	srv.mu.Lock()
	delete(srv.sessions, session.id)
	hooks := append([]func(*Session){}, srv.onDisconnect...)
	srv.mu.Unlock()

	srv.metrics.RecordDisconnection()
	srv.recorder.Record(logging.Event{Kind: logging.EventDisconnected, Session: session.id, Message: "client disconnected"})

	for _, hook := range hooks {
		hook(session)
	}
}

// OnClientConnected registers fn to run for every tracked session accepted.
func (srv *Server) OnClientConnected(fn func(*Session)) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.onConnect = append(srv.onConnect, fn)
}

// OnClientDisconnected registers fn to run when a tracked session closes.
func (srv *Server) OnClientDisconnected(fn func(*Session)) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.onDisconnect = append(srv.onDisconnect, fn)
}

/*
OnNotify registers fn for notifications named method. Listeners run in
registration order.
*/
func (srv *Server) OnNotify(method string, fn NotificationFunc) *Subscription {
	sub := &Subscription{method: method, fn: fn}

	srv.mu.Lock()
	defer srv.mu.Unlock()

	srv.listeners[method] = append(srv.listeners[method], sub)
	return sub
}

// RemoveNotify drops one listener.
func (srv *Server) RemoveNotify(sub *Subscription) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	subs := srv.listeners[sub.method]

	for idx, candidate := range subs {
		if candidate == sub {
			srv.listeners[sub.method] = append(subs[:idx:idx], subs[idx+1:]...)
			break
		}
	}

	if len(srv.listeners[sub.method]) == 0 {
		delete(srv.listeners, sub.method)
	}
}

// RemoveAllNotify drops every listener for method.
func (srv *Server) RemoveAllNotify(method string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.listeners, method)
}

func (srv *Server) listenersFor(method string) []*Subscription {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return append([]*Subscription(nil), srv.listeners[method]...)
}

// Sessions returns the tracked sessions.
func (srv *Server) Sessions() []*Session {
	srv.mu.RLock()
	defer srv.mu.RUnlock()

	sessions := make([]*Session, 0, len(srv.sessions))

	for _, session := range srv.sessions {
		sessions = append(sessions, session)
	}

	return sessions
}

// Outcome is the result of delivering a broadcast to one session.
type Outcome struct {
	Session string
	Err     error
}

type Outcomes []Outcome

// Err folds the failed deliveries into one error, or nil if all succeeded.
func (outcomes Outcomes) Err() error {
	errs := make([]any, 0, len(outcomes))

	for _, outcome := range outcomes {
		errs = append(errs, outcome.Err)
	}

	return errors.NewError(errs...)
}

/*
Notify sends one notification to every tracked session. A failure on one
session does not stop delivery to the others; each result is reported.
With no sessions the single outcome carries errors.ErrNoClients.
*/
func (srv *Server) Notify(method string, params any) Outcomes {
	payload, err := jsonrpc.EncodeRequest(method, params, nil, srv.options.Version, srv.options.Delimiter)

	if err != nil {
		return Outcomes{{Err: err}}
	}

	sessions := srv.Sessions()

	if len(sessions) == 0 {
		return Outcomes{{Err: errors.ErrNoClients}}
	}

	outcomes := make(Outcomes, 0, len(sessions))

	for _, session := range sessions {
		outcomes = append(outcomes, Outcome{Session: session.id, Err: session.send(payload)})
	}

	return outcomes
}

/*
Close closes every tracked connection. Their sessions unregister as the
transports report the close.
*/
func (srv *Server) Close() {
	for _, session := range srv.Sessions() {
		session.conn.Close()
	}
}
