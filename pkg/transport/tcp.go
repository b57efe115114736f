package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/charmbracelet/log"
)

/*
TCPDialer connects to a stream socket.
*/
type TCPDialer struct {
	Addr    string
	Timeout time.Duration
}

func NewTCPDialer(addr string) *TCPDialer {
	return &TCPDialer{Addr: addr}
}

func (dialer *TCPDialer) Address() string {
	return dialer.Addr
}

/*
Dial connects and starts pumping inbound bytes into handler.
*/
func (dialer *TCPDialer) Dial(ctx context.Context, handler Handler) (Conn, error) {
	netDialer := net.Dialer{Timeout: dialer.Timeout}

	conn, err := netDialer.DialContext(ctx, "tcp", dialer.Addr)

	if err != nil {
		return nil, err
	}

	stream := NewStream(conn, conn.RemoteAddr().String())
	go stream.Pump(handler)

	return stream, nil
}

/*
ServeTCP accepts connections from listener until ctx is done, handing each
one to acceptor. It closes listener on return.
*/
func ServeTCP(ctx context.Context, listener net.Listener, acceptor Acceptor) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}

		listener.Close()
	}()

	log.Info("listening", "transport", "tcp", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()

		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			return err
		}

		stream := NewStream(conn, conn.RemoteAddr().String())
		go stream.Pump(acceptor.Accept(stream))
	}
}

/*
ListenTCP listens on addr and serves it with ServeTCP.
*/
func ListenTCP(ctx context.Context, addr string, acceptor Acceptor) error {
	listener, err := net.Listen("tcp", addr)

	if err != nil {
		return err
	}

	return ServeTCP(ctx, listener, acceptor)
}

/*
PipeDialer connects a client to an Acceptor in the same process over
net.Pipe, with the same framing and pumping as a real socket.
*/
type PipeDialer struct {
	Acceptor Acceptor
}

func (dialer *PipeDialer) Address() string {
	return "pipe"
}

func (dialer *PipeDialer) Dial(ctx context.Context, handler Handler) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	local, remote := net.Pipe()

	server := NewStream(remote, "pipe")
	go server.Pump(dialer.Acceptor.Accept(server))

	client := NewStream(local, "pipe")
	go client.Pump(handler)

	return client, nil
}
