package ingest

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEventName = "message"
	maxEventBytes    = 1 << 20
	maxLineBytes     = maxEventBytes + 64
)

// ErrEventTooLarge reports event data above the per-event limit.
var ErrEventTooLarge = errors.New("sse event exceeds size limit")

// Event is one dispatched server-sent event.
// Params: event name (default "message"), joined data lines, last event id, and retry hint.
// Returns: value passed to stream event handlers.
type Event struct {
	Name  string
	Data  string
	ID    string
	Retry time.Duration
}

// eventReader parses text/event-stream framing.
type eventReader struct {
	reader  *bufio.Reader
	lastID  string
	retry   time.Duration
	started bool
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{reader: bufio.NewReaderSize(r, 16<<10)}
}

// Next reads lines until one event is dispatched.
// Params: none.
// Returns: event, or io.EOF / read error; an unterminated trailing event is discarded.
func (r *eventReader) Next() (Event, error) {
	var (
		name    string
		data    strings.Builder
		hasData bool
	)
	for {
		line, err := r.readLine()
		if err != nil && (err != io.EOF || line == "") {
			return Event{}, err
		}
		atEOF := err == io.EOF
		if atEOF {
			// Trailing bytes without newline never complete an event.
			return Event{}, io.EOF
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
		if !r.started {
			line = strings.TrimPrefix(line, "\ufeff")
			r.started = true
		}

		if line == "" {
			if !hasData {
				name = ""
				continue
			}
			if name == "" {
				name = defaultEventName
			}
			return Event{
				Name:  name,
				Data:  strings.TrimSuffix(data.String(), "\n"),
				ID:    r.lastID,
				Retry: r.retry,
			}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "event":
			name = value
		case "data":
			if data.Len()+len(value) > maxEventBytes {
				return Event{}, ErrEventTooLarge
			}
			data.WriteString(value)
			data.WriteByte('\n')
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				r.lastID = value
			}
		case "retry":
			if millis, convErr := strconv.Atoi(value); convErr == nil && millis >= 0 {
				r.retry = time.Duration(millis) * time.Millisecond
			}
		}
	}
}

// readLine reads one newline-terminated line without buffering past the line limit.
// Params: none.
// Returns: line with terminator, or ErrEventTooLarge / read error.
func (r *eventReader) readLine() (string, error) {
	var long []byte
	for {
		chunk, err := r.reader.ReadSlice('\n')
		if len(long)+len(chunk) > maxLineBytes {
			return "", ErrEventTooLarge
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			long = append(long, chunk...)
			continue
		}
		if long == nil {
			return string(chunk), err
		}
		return string(append(long, chunk...)), err
	}
}

// LastEventID returns id of last dispatched or pending event.
func (r *eventReader) LastEventID() string {
	return r.lastID
}
