package stream

import (
	"bufio"
	"io"
	"strings"
)

// Event is one server-sent event: an optional event name and the
// concatenated data payload.
type Event struct {
	Name string
	Data string
}

// maxLineSize bounds a single SSE line. Tool argument fragments are small;
// 1 MiB leaves generous headroom for dense content deltas.
const maxLineSize = 1 << 20

// Reader scans server-sent events off a response body.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps an SSE body.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Reader{scanner: sc}
}

// Next returns the next event, or io.EOF when the body ends. Blank lines
// delimit events; comment lines (leading colon) are skipped.
func (r *Reader) Next() (Event, error) {
	var ev Event
	var dataLines []string
	seen := false

	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), "\r")
		if line == "" {
			if seen {
				ev.Data = strings.Join(dataLines, "\n")
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
			seen = true
		case "data":
			dataLines = append(dataLines, value)
			seen = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	if seen {
		ev.Data = strings.Join(dataLines, "\n")
		return ev, nil
	}
	return Event{}, io.EOF
}
