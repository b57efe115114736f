package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"
)

// defaultReadLimit bounds a single inbound WebSocket message.
const defaultReadLimit = 4 << 20

/*
WSDialer connects to a WebSocket endpoint. Each WebSocket message is handed
to the engine as one chunk, so framing still goes through the delimiter.
*/
type WSDialer struct {
	URL       string
	Header    http.Header
	ReadLimit int64
}

func NewWSDialer(url string) *WSDialer {
	return &WSDialer{URL: url}
}

func (dialer *WSDialer) Address() string {
	return dialer.URL
}

func (dialer *WSDialer) Dial(ctx context.Context, handler Handler) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, dialer.URL, &websocket.DialOptions{
		HTTPHeader: dialer.Header,
	})

	if err != nil {
		return nil, err
	}

	ws := newWSConn(conn, dialer.URL, dialer.ReadLimit)
	go ws.pump(handler)

	return ws, nil
}

/*
WSHandler upgrades every request to a WebSocket and hands the connection to
acceptor. The handler returns once the connection closes.
*/
func WSHandler(acceptor Acceptor, opts *websocket.AcceptOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, opts)

		if err != nil {
			log.Error("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		ws := newWSConn(conn, r.RemoteAddr, 0)
		ws.pump(acceptor.Accept(ws))
	})
}

type wsConn struct {
	conn   *websocket.Conn
	addr   string
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
}

func newWSConn(conn *websocket.Conn, addr string, readLimit int64) *wsConn {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}

	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())

	return &wsConn{conn: conn, addr: addr, ctx: ctx, cancel: cancel}
}

// Write may be called concurrently; websocket.Conn serializes frames.
func (ws *wsConn) Write(p []byte) error {
	if ws.isClosed() {
		return ErrClosed
	}

	return ws.conn.Write(ws.ctx, websocket.MessageText, p)
}

func (ws *wsConn) Close() error {
	ws.mu.Lock()

	if ws.closed {
		ws.mu.Unlock()
		return nil
	}

	ws.closed = true
	ws.mu.Unlock()

	err := ws.conn.Close(websocket.StatusNormalClosure, "")
	ws.cancel()

	return err
}

func (ws *wsConn) RemoteAddr() string {
	return ws.addr
}

func (ws *wsConn) isClosed() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.closed
}

func (ws *wsConn) pump(handler Handler) {
	defer func() {
		ws.mu.Lock()
		ws.closed = true
		ws.mu.Unlock()

		ws.cancel()
		ws.conn.CloseNow()
		handler.HandleClose()
	}()

	for {
		_, data, err := ws.conn.Read(ws.ctx)

		if err != nil {
			if !ws.isClosed() && !cleanClose(err) {
				handler.HandleError(err)
			}

			return
		}

		handler.HandleData(data)
	}
}

func cleanClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}

	return errors.Is(err, context.Canceled)
}
