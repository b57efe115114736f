/*
Package logging carries protocol diagnostics (unmatched responses, retries,
dropped connections) from the engines to whatever sink the process chose.
*/
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/rs/zerolog"
)

// EventKind names a diagnostic condition.
type EventKind string

const (
	EventConnected         EventKind = "connected"
	EventConnectRetry      EventKind = "connect_retry"
	EventDisconnected      EventKind = "disconnected"
	EventUnmatchedResponse EventKind = "unmatched_response"
	EventUnmatchedBatch    EventKind = "unmatched_batch"
	EventUnmatchedTimeout  EventKind = "unmatched_timeout"
	EventParseError        EventKind = "parse_error"
	EventHandlerFailed     EventKind = "handler_failed"
	EventWriteFailed       EventKind = "write_failed"
	EventTransportError    EventKind = "transport_error"
)

/*
Event is one diagnostic record. Only Kind is always set.
*/
type Event struct {
	Kind    EventKind
	Session string
	ID      string
	Method  string
	Message string
	Err     error
}

/*
Recorder receives diagnostics. Implementations must be safe for concurrent
use, since every connection records from its own goroutine.
*/
type Recorder interface {
	Record(event Event)
}

// RecorderFunc adapts a plain function to Recorder.
type RecorderFunc func(event Event)

func (fn RecorderFunc) Record(event Event) {
	fn(event)
}

// Discard drops every event.
var Discard Recorder = RecorderFunc(func(Event) {})

func (kind EventKind) warning() bool {
	switch kind {
	case EventUnmatchedResponse, EventUnmatchedBatch, EventUnmatchedTimeout, EventConnectRetry, EventDisconnected:
		return true
	}

	return false
}

func (kind EventKind) failure() bool {
	switch kind {
	case EventParseError, EventHandlerFailed, EventWriteFailed, EventTransportError:
		return true
	}

	return false
}

func (event Event) message() string {
	if event.Message != "" {
		return event.Message
	}

	return strings.ReplaceAll(string(event.Kind), "_", " ")
}

type charmRecorder struct {
	logger *log.Logger
}

/*
NewCharmRecorder records events as key/value lines on a charmbracelet logger.
A nil logger means the package default.
*/
func NewCharmRecorder(logger *log.Logger) Recorder {
	if logger == nil {
		logger = log.Default()
	}

	return &charmRecorder{logger: logger}
}

func (recorder *charmRecorder) Record(event Event) {
	keyvals := []any{"kind", string(event.Kind)}

	if event.Session != "" {
		keyvals = append(keyvals, "session", event.Session)
	}

	if event.ID != "" {
		keyvals = append(keyvals, "id", event.ID)
	}

	if event.Method != "" {
		keyvals = append(keyvals, "method", event.Method)
	}

	if event.Err != nil {
		keyvals = append(keyvals, "error", event.Err)
	}

	switch {
	case event.Kind.failure():
		recorder.logger.Error(event.message(), keyvals...)
	case event.Kind.warning():
		recorder.logger.Warn(event.message(), keyvals...)
	default:
		recorder.logger.Debug(event.message(), keyvals...)
	}
}

type zerologRecorder struct {
	logger zerolog.Logger
}

// NewZerologRecorder records events as JSON lines.
func NewZerologRecorder(logger zerolog.Logger) Recorder {
	return &zerologRecorder{logger: logger}
}

func (recorder *zerologRecorder) Record(event Event) {
	level := zerolog.DebugLevel

	switch {
	case event.Kind.failure():
		level = zerolog.ErrorLevel
	case event.Kind.warning():
		level = zerolog.WarnLevel
	}

	entry := recorder.logger.WithLevel(level).Str("kind", string(event.Kind))

	if event.Session != "" {
		entry = entry.Str("session", event.Session)
	}

	if event.ID != "" {
		entry = entry.Str("id", event.ID)
	}

	if event.Method != "" {
		entry = entry.Str("method", event.Method)
	}

	if event.Err != nil {
		entry = entry.Err(event.Err)
	}

	entry.Msg(event.message())
}

/*
Config selects the process-wide sink. Format is "text" (charmbracelet) or
"json" (zerolog). An empty File logs to stderr.
*/
type Config struct {
	Level  string
	Format string
	File   string
}

/*
New builds the Recorder described by cfg. The text logger also becomes the
charmbracelet default, so command output and diagnostics share one sink.
The returned closer releases the log file, if any.
*/
func New(cfg Config) (Recorder, io.Closer, error) {
	var (
		out    io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)

	if cfg.File != "" {
		logFile, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)

		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}

		out = logFile
		closer = logFile
	}

	if cfg.Format == "json" {
		level, err := zerolog.ParseLevel(cfg.Level)

		if err != nil || cfg.Level == "" {
			level = zerolog.InfoLevel
		}

		return NewZerologRecorder(zerolog.New(out).Level(level).With().Timestamp().Logger()), closer, nil
	}

	level, err := log.ParseLevel(cfg.Level)

	if err != nil {
		level = log.InfoLevel
	}

	logger := log.NewWithOptions(out, log.Options{
		Level:           level,
		ReportTimestamp: true,
	})

	log.SetDefault(logger)
	return NewCharmRecorder(logger), closer, nil
}
