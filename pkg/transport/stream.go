package transport

import (
	"errors"
	"io"
	"net"
	"sync"
)

const readChunkSize = 32 * 1024

/*
Stream adapts a byte stream (a TCP socket, a pipe) to Conn and pumps its
inbound bytes into a Handler.
*/
type Stream struct {
	rwc     io.ReadWriteCloser
	addr    string
	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

/*
NewStream wraps rwc. addr is what RemoteAddr reports.
*/
func NewStream(rwc io.ReadWriteCloser, addr string) *Stream {
	return &Stream{rwc: rwc, addr: addr}
}

/*
Write sends p in full. Concurrent writers are serialized, so two messages
never interleave on the wire.
*/
func (stream *Stream) Write(p []byte) error {
	stream.writeMu.Lock()
	defer stream.writeMu.Unlock()

	if stream.isClosed() {
		return ErrClosed
	}

	for len(p) > 0 {
		n, err := stream.rwc.Write(p)

		if err != nil {
			return err
		}

		p = p[n:]
	}

	return nil
}

/*
Close closes the underlying stream (idempotent). It does not wait for a
write in progress, which then fails.
*/
func (stream *Stream) Close() error {
	stream.mu.Lock()
	defer stream.mu.Unlock()

	if stream.closed {
		return nil
	}

	stream.closed = true
	return stream.rwc.Close()
}

func (stream *Stream) RemoteAddr() string {
	return stream.addr
}

func (stream *Stream) isClosed() bool {
	stream.mu.Lock()
	defer stream.mu.Unlock()
	return stream.closed
}

/*
Pump reads until the stream ends, handing every chunk to handler, and then
calls HandleClose. Errors other than a clean end of stream, or a read on a
stream we closed ourselves, go to HandleError first. Pump blocks.
*/
func (stream *Stream) Pump(handler Handler) {
	defer func() {
		stream.Close()
		handler.HandleClose()
	}()

	chunk := make([]byte, readChunkSize)

	for {
		n, err := stream.rwc.Read(chunk)

		if n > 0 {
			data := make([]byte, n)
			copy(data, chunk[:n])
			handler.HandleData(data)
		}

		if err == nil {
			continue
		}

		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) &&
			!errors.Is(err, io.ErrClosedPipe) && !stream.isClosed() {
			handler.HandleError(err)
		}

		return
	}
}
