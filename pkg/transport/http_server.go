package transport

import (
	"bytes"
	"net/http"
	"sync"

	"github.com/gofiber/fiber/v3"
	fiberadaptor "github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/theapemachine/rpclink/pkg/errors"
	"github.com/tidwall/gjson"
)

/*
HTTPServer answers JSON-RPC over HTTP POST. Each request body is one
exchange: it is handed to a fresh handler from the ExchangeAcceptor, and
whatever the handler writes becomes the response body.
*/
type HTTPServer struct {
	app      *fiber.App
	acceptor ExchangeAcceptor
	path     string
}

type HTTPServerOption func(*HTTPServer)

// WithPath sets the route JSON-RPC is served on. The default is "/".
func WithPath(path string) HTTPServerOption {
	return func(srv *HTTPServer) {
		srv.path = path
	}
}

// WithAccessLog enables the fiber request logger.
func WithAccessLog() HTTPServerOption {
	return func(srv *HTTPServer) {
		srv.app.Use(logger.New(logger.Config{
			// Event streams stay open for the whole session.
			Next: func(c fiber.Ctx) bool {
				return c.Get(fiber.HeaderAccept) == "text/event-stream"
			},
		}))
	}
}

/*
NewHTTPServer builds the fiber app serving acceptor.
*/
func NewHTTPServer(acceptor ExchangeAcceptor, opts ...HTTPServerOption) *HTTPServer {
	srv := &HTTPServer{
		app: fiber.New(fiber.Config{
			AppName:      "rpclink",
			ServerHeader: "rpclink",
		}),
		acceptor: acceptor,
		path:     "/",
	}

	for _, opt := range opts {
		opt(srv)
	}

	srv.app.Use(healthcheck.NewHealthChecker())
	srv.app.Post(srv.path, srv.handleRPC)
	return srv
}

/*
Handle mounts a net/http handler for GET requests on path, such as an event
stream.
*/
func (srv *HTTPServer) Handle(path string, handler http.Handler) {
	srv.app.Get(path, fiberadaptor.HTTPHandler(handler))
}

func (srv *HTTPServer) Listen(addr string) error {
	return srv.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

func (srv *HTTPServer) Shutdown() error {
	return srv.app.Shutdown()
}

// Test runs req through the app without a network listener.
func (srv *HTTPServer) Test(req *http.Request) (*http.Response, error) {
	return srv.app.Test(req)
}

func (srv *HTTPServer) handleRPC(ctx fiber.Ctx) error {
	exchange := &exchangeConn{addr: ctx.IP()}
	handler := srv.acceptor.Exchange(exchange)

	handler.HandleData(append([]byte(nil), ctx.Body()...))
	handler.HandleEnd()
	handler.HandleClose()

	out := bytes.TrimSpace(exchange.bytes())

	if len(out) == 0 {
		return ctx.SendStatus(fiber.StatusNoContent)
	}

	ctx.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return ctx.Status(StatusFor(out)).Send(out)
}

/*
StatusFor picks the HTTP status for a response body: the mapped status of
the error code for a single error response, 200 for anything else.
*/
func StatusFor(body []byte) int {
	parsed := gjson.ParseBytes(bytes.TrimSpace(body))

	if !parsed.IsObject() {
		return http.StatusOK
	}

	if code := parsed.Get("error.code"); code.Exists() {
		return errors.HTTPStatus(int(code.Int()))
	}

	return http.StatusOK
}

/*
exchangeConn captures what the engine writes during one HTTP exchange.
*/
type exchangeConn struct {
	addr   string
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (conn *exchangeConn) Write(p []byte) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.closed {
		return ErrClosed
	}

	conn.buf.Write(p)
	return nil
}

func (conn *exchangeConn) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.closed = true
	return nil
}

func (conn *exchangeConn) RemoteAddr() string {
	return conn.addr
}

func (conn *exchangeConn) bytes() []byte {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return append([]byte(nil), conn.buf.Bytes()...)
}
