/*
Package sse carries server-initiated JSON-RPC notifications to HTTP clients
as a Server-Sent Events stream.
*/
package sse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/theapemachine/rpclink/pkg/metrics"
)

// Event represents a Server-Sent Event
type Event struct {
	ID    string
	Event string
	Data  []byte
}

// Client reads an event stream, reconnecting when it drops.
type Client struct {
	URL        string
	Headers    map[string]string
	Metrics    *metrics.Metrics
	MaxRetries int
	BaseDelay  time.Duration
	HTTPClient *http.Client

	mu        sync.RWMutex
	conn      *http.Response
	reader    *bufio.Reader
	stopChan  chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new SSE client
func NewClient(url string) *Client {
	return &Client{
		URL:        url,
		Headers:    make(map[string]string),
		Metrics:    metrics.New(),
		MaxRetries: 3,
		BaseDelay:  time.Second,
		HTTPClient: &http.Client{},
		stopChan:   make(chan struct{}),
	}
}

/*
SubscribeWithContext reads events until ctx is done or Close is called,
reconnecting with exponential backoff when the stream ends. It gives up
after MaxRetries consecutive failed connection attempts.
*/
func (c *Client) SubscribeWithContext(ctx context.Context, lastEventID string, handler func(*Event)) error {
	var retryCount int

	for {
		select {
		case <-ctx.Done():
			c.cleanup()
			return ctx.Err()
		case <-c.stopChan:
			c.cleanup()
			return nil
		default:
		}

		if err := c.connect(ctx, lastEventID); err != nil {
			if retryCount >= c.MaxRetries {
				return fmt.Errorf("max retries exceeded: %w", err)
			}

			if !c.wait(ctx, c.BaseDelay*time.Duration(1<<retryCount)) {
				continue
			}

			retryCount++
			c.Metrics.RecordReconnection()
			continue
		}

		// Reset retry count after successful connection
		retryCount = 0

		id, err := c.processEvents(ctx, handler)

		if id != "" {
			lastEventID = id
		}

		c.cleanup()

		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if c.stopped() {
				return nil
			}

			return err
		}

		c.Metrics.RecordDisconnection()
		c.wait(ctx, c.BaseDelay)
	}
}

func (c *Client) wait(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-c.stopChan:
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) stopped() bool {
	select {
	case <-c.stopChan:
		return true
	default:
		return false
	}
}

// cleanup closes any existing connection and resets the client state
func (c *Client) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Body.Close()
		c.conn = nil
		c.reader = nil
	}
}

// connect establishes a new SSE connection
func (c *Client) connect(ctx context.Context, lastEventID string) error {
	startTime := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		c.Metrics.RecordConnection(false, time.Since(startTime))
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.Metrics.RecordConnection(false, time.Since(startTime))
		return fmt.Errorf("failed to connect: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusBadRequest {
		respBodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.Metrics.RecordConnection(false, time.Since(startTime))
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(respBodyBytes))
	}

	c.mu.Lock()
	c.conn = resp
	c.reader = bufio.NewReader(resp.Body)
	c.mu.Unlock()

	c.Metrics.RecordConnection(true, time.Since(startTime))
	return nil
}

// processEvents hands events to handler until the stream ends, returning
// the last event id seen.
func (c *Client) processEvents(ctx context.Context, handler func(*Event)) (string, error) {
	var lastID string

	for {
		if ctx.Err() != nil {
			return lastID, ctx.Err()
		}

		event, err := c.readEvent()
		if err != nil {
			return lastID, err
		}

		if event.ID != "" {
			lastID = event.ID
		}

		eventStart := time.Now()
		handler(event)
		c.Metrics.RecordEvent(false, 0, time.Since(eventStart))
	}
}

// readEvent reads a single SSE event
func (c *Client) readEvent() (*Event, error) {
	c.mu.RLock()
	reader := c.reader
	c.mu.RUnlock()

	if reader == nil {
		return nil, io.EOF
	}

	event := &Event{}
	var eventData strings.Builder
	inEvent := false

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimRight(line, "\n\r")

		// Empty line marks the end of an event
		if line == "" {
			if inEvent {
				event.Data = []byte(eventData.String())
				return event, nil
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// Comment or heartbeat.
		case strings.HasPrefix(line, "id:"):
			inEvent = true
			event.ID = strings.TrimSpace(line[3:])
		case strings.HasPrefix(line, "event:"):
			inEvent = true
			event.Event = strings.TrimSpace(line[6:])
		case strings.HasPrefix(line, "data:"):
			inEvent = true
			if eventData.Len() > 0 {
				eventData.WriteString("\n")
			}
			eventData.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// Close stops the subscription and closes the SSE connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn.Body.Close()
	}
	return nil
}
