package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrSinkClosed is returned when publishing to a closed sink.
var ErrSinkClosed = errors.New("sink is closed")

// JSONLSink appends each event as one line of JSON.
//
// JSONLSink is safe for concurrent use. Writes are serialized so lines never
// interleave.
type JSONLSink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	closed bool
}

// NewJSONLSink writes to w. The caller keeps ownership of w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

// OpenJSONLFile opens (or creates) path for appending and returns a sink that
// closes the file on Close.
func OpenJSONLFile(path string) (*JSONLSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create events dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	return &JSONLSink{w: f, closer: f}, nil
}

// Publish implements Sink.
func (s *JSONLSink) Publish(_ context.Context, ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	return writeAll(s.w, line)
}

// Close marks the sink closed and closes the file it opened, if any.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// writeAll writes p fully; io.Writer may return n < len(p) with a nil error.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// ReadJSONL decodes every event in r. Used by the CLI to replay an events file.
func ReadJSONL(r io.Reader) ([]Event, error) {
	dec := json.NewDecoder(r)
	var out []Event
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("decode event %d: %w", len(out)+1, err)
		}
		out = append(out, ev)
	}
}
