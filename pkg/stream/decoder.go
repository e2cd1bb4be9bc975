package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	// DataPrefix marks a payload-carrying line.
	DataPrefix = "data: "
	// DoneMarker terminates a successful stream.
	DoneMarker = "[DONE]"
	// ErrorMarker prefixes an assistant-side failure payload.
	ErrorMarker = "[ERROR]"

	// DefaultMaxLineBytes bounds a single buffered line (1 MiB).
	DefaultMaxLineBytes = 1 << 20
	defaultReadSize     = 4 << 10
)

var (
	// ErrUnexpectedEOF reports a stream that ended without a terminal marker.
	ErrUnexpectedEOF = errors.New("stream terminated unexpectedly")
	// ErrLineTooLong reports a line larger than the configured limit.
	ErrLineTooLong = errors.New("stream line exceeds limit")
)

const defaultErrorDetail = "assistant stream failed"

// DecoderOption customises a Decoder.
type DecoderOption func(*Decoder)

// WithMaxLineBytes overrides DefaultMaxLineBytes.
func WithMaxLineBytes(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLine = n
		}
	}
}

// WithReadSize sets how many bytes are requested from the source per read.
func WithReadSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.chunk = make([]byte, n)
		}
	}
}

// Decoder turns a newline-delimited `data: <payload>` byte stream into a
// finite sequence of events. It is not safe for concurrent use and cannot be
// restarted once a terminal event has been returned.
type Decoder struct {
	src     io.Reader
	chunk   []byte
	buf     []byte
	start   int
	maxLine int
	done    bool
	err     error
	proto   bool
}

// NewDecoder wraps r. Bytes are decoded as UTF-8 incrementally, so a
// multi-byte character split across reads is reassembled before it reaches
// the line buffer.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		src:     transform.NewReader(r, unicode.UTF8.NewDecoder()),
		chunk:   make([]byte, defaultReadSize),
		maxLine: DefaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next event. After a terminal event (Done or Error) it
// returns io.EOF.
func (d *Decoder) Next() (Event, error) {
	if d.done {
		return Event{}, io.EOF
	}
	for {
		for {
			line, ok := d.nextLine()
			if !ok {
				break
			}
			if len(line) > d.maxLine {
				return d.lineTooLong(), nil
			}
			if evt, ok := d.parseLine(line); ok {
				if evt.Terminal() {
					d.finish()
				}
				return evt, nil
			}
		}
		// one spare byte for the '\r' of a CRLF terminator still to come
		if len(d.buf)-d.start > d.maxLine+1 {
			return d.lineTooLong(), nil
		}

		d.compact()
		n, err := d.src.Read(d.chunk)
		if n > 0 {
			d.buf = append(d.buf, d.chunk[:n]...)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if n > 0 {
				continue
			}
			d.err = ErrUnexpectedEOF
			d.proto = true
		} else {
			d.err = err
		}
		d.finish()
		return Event{Kind: EventError, Text: d.err.Error()}, nil
	}
}

// Err returns the read or framing failure that ended the stream, if any.
// A stream closed by an [ERROR] marker reports nil.
func (d *Decoder) Err() error { return d.err }

// ProtocolFailure reports whether the stream ended because its framing was
// violated (premature EOF or oversized line) rather than by a marker or a
// transport read error.
func (d *Decoder) ProtocolFailure() bool { return d.proto }

// Events yields events until a terminal event has been produced or ctx is done.
func (d *Decoder) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			if ctx != nil && ctx.Err() != nil {
				return
			}
			evt, err := d.Next()
			if err != nil {
				return
			}
			if !yield(evt) || evt.Terminal() {
				return
			}
		}
	}
}

func (d *Decoder) nextLine() ([]byte, bool) {
	pending := d.buf[d.start:]
	idx := bytes.IndexByte(pending, '\n')
	if idx < 0 {
		return nil, false
	}
	line := pending[:idx]
	d.start += idx + 1
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, true
}

func (d *Decoder) parseLine(line []byte) (Event, bool) {
	text := string(line)
	if !strings.HasPrefix(text, DataPrefix) {
		return Event{}, false
	}
	payload := text[len(DataPrefix):]
	switch {
	case payload == DoneMarker:
		return Event{Kind: EventDone}, true
	case strings.HasPrefix(payload, ErrorMarker):
		detail := strings.TrimSpace(payload[len(ErrorMarker):])
		if detail == "" {
			detail = defaultErrorDetail
		}
		return Event{Kind: EventError, Text: detail}, true
	default:
		return Event{Kind: EventDelta, Text: payload}, true
	}
}

func (d *Decoder) lineTooLong() Event {
	d.err = ErrLineTooLong
	d.proto = true
	d.finish()
	return Event{Kind: EventError, Text: ErrLineTooLong.Error()}
}

func (d *Decoder) compact() {
	if d.start == 0 {
		return
	}
	n := copy(d.buf, d.buf[d.start:])
	d.buf = d.buf[:n]
	d.start = 0
}

func (d *Decoder) finish() {
	d.done = true
	d.buf = nil
	d.start = 0
}
