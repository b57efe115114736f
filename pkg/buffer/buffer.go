/*
Package buffer frames a continuous byte stream into delimiter-terminated
messages.
*/
package buffer

import "bytes"

/*
MessageBuffer accumulates inbound chunks and hands out complete messages one
at a time. It is owned by a single connection and is not safe for concurrent
use.
*/
type MessageBuffer struct {
	delimiter []byte
	data      []byte
}

/*
New creates a MessageBuffer that splits on delimiter. An empty delimiter
treats everything pushed so far as one message.
*/
func New(delimiter string) *MessageBuffer {
	return &MessageBuffer{delimiter: []byte(delimiter)}
}

/*
Push appends chunk to the buffered bytes.
*/
func (buffer *MessageBuffer) Push(chunk []byte) {
	buffer.data = append(buffer.data, chunk...)
}

/*
IsFinished reports whether there is nothing left to extract right now, either
because the buffer is empty or because it holds no delimiter yet.
*/
func (buffer *MessageBuffer) IsFinished() bool {
	if len(buffer.data) == 0 {
		return true
	}

	if len(buffer.delimiter) == 0 {
		return false
	}

	return !bytes.Contains(buffer.data, buffer.delimiter)
}

/*
Extract removes and returns the bytes preceding the first delimiter. The
second return value is false when no complete message is buffered.
*/
func (buffer *MessageBuffer) Extract() ([]byte, bool) {
	if len(buffer.delimiter) == 0 {
		if len(buffer.data) == 0 {
			return nil, false
		}

		return buffer.Remainder(), true
	}

	idx := bytes.Index(buffer.data, buffer.delimiter)

	if idx < 0 {
		return nil, false
	}

	msg := make([]byte, idx)
	copy(msg, buffer.data[:idx])

	buffer.data = buffer.data[idx+len(buffer.delimiter):]

	if len(buffer.data) == 0 {
		buffer.data = nil
	}

	return msg, true
}

/*
Remainder returns whatever is still buffered and clears the buffer. Callers
use it when the remote end signals completion without a trailing delimiter.
*/
func (buffer *MessageBuffer) Remainder() []byte {
	rest := buffer.data
	buffer.data = nil
	return rest
}

// Len returns the number of buffered bytes.
func (buffer *MessageBuffer) Len() int {
	return len(buffer.data)
}
