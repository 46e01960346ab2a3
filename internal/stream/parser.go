package stream

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/youruser/newsgpt/internal/logging"
	"github.com/youruser/newsgpt/internal/metrics"
)

var (
	ErrMalformedFrame = errors.New("malformed stream frame")
	ErrLineTooLong    = errors.New("stream line exceeds maximum size")
	log               = logging.Get()
)

// MaxLineSize bounds a single buffered frame line.
const MaxLineSize = 1024 * 1024

const readSize = 32 * 1024

// EventType discriminates stream frames.
type EventType string

const (
	EventStart EventType = "stream_start"
	EventChunk EventType = "stream_chunk"
	EventEnd   EventType = "stream_end"
)

// Event is one decoded frame.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"` // stream_start
	Content   string    `json:"content,omitempty"`   // stream_chunk
}

// Option configures a Parser.
type Option func(*Parser)

// WithMalformedHandler is called for every skipped line.
func WithMalformedHandler(fn func(line string, err error)) Option {
	return func(p *Parser) { p.onMalformed = fn }
}

// WithReadHook is called with the size of every non-empty read.
func WithReadHook(fn func(n int)) Option {
	return func(p *Parser) { p.onRead = fn }
}

// Parser turns a response body into frame events. Lines split across reads
// are buffered until their newline arrives; a final unterminated line is
// parsed at EOF. A parser is single-use.
type Parser struct {
	r       io.Reader
	buf     []byte
	pending []byte
	queue   []Event

	sawEnd bool // stream_end decoded; nothing more is read
	ended  bool // stream_end delivered
	eof    bool
	err    error

	onMalformed func(line string, err error)
	onRead      func(n int)
}

// NewParser creates a parser reading from r.
func NewParser(r io.Reader, opts ...Option) *Parser {
	p := &Parser{r: r, buf: make([]byte, readSize)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Next returns the next event. It returns io.EOF once the body is exhausted
// or after stream_end has been delivered, and the read error if the body
// failed. Events decoded before a read error are delivered first.
func (p *Parser) Next() (Event, error) {
	for {
		if p.ended {
			return Event{}, io.EOF
		}
		if len(p.queue) > 0 {
			ev := p.queue[0]
			p.queue = p.queue[1:]
			if ev.Type == EventEnd {
				p.ended = true
				p.queue = nil
			}
			return ev, nil
		}
		if p.err != nil {
			return Event{}, p.err
		}
		if p.eof || p.sawEnd {
			return Event{}, io.EOF
		}
		p.fill()
	}
}

func (p *Parser) fill() {
	n, err := p.r.Read(p.buf)
	if n > 0 {
		if p.onRead != nil {
			p.onRead(n)
		}
		p.feed(p.buf[:n])
	}
	switch {
	case err == io.EOF:
		if !p.sawEnd && len(p.pending) > 0 {
			p.handleLine(p.pending)
		}
		p.pending = nil
		p.eof = true
	case err != nil:
		p.err = err
	}
}

func (p *Parser) feed(data []byte) {
	p.pending = append(p.pending, data...)
	start := 0
	for !p.sawEnd {
		i := bytes.IndexByte(p.pending[start:], '\n')
		if i < 0 {
			break
		}
		p.handleLine(p.pending[start : start+i])
		start += i + 1
	}
	if p.sawEnd {
		p.pending = nil
		return
	}
	p.pending = append(p.pending[:0], p.pending[start:]...)
	if len(p.pending) > MaxLineSize {
		p.pending = nil
		p.err = ErrLineTooLong
	}
}

func (p *Parser) handleLine(raw []byte) {
	line := strings.TrimSpace(string(raw))
	if line == "" || strings.HasPrefix(line, ":") {
		return
	}
	if rest, ok := strings.CutPrefix(line, "data:"); ok {
		line = strings.TrimSpace(rest)
		if line == "" {
			return
		}
	}

	ev, err := decodeFrame(line)
	if err != nil {
		metrics.MalformedFramesTotal.Inc()
		log.Warn("Skipping stream line: %v (line: %s)", err, line)
		if p.onMalformed != nil {
			p.onMalformed(line, err)
		}
		return
	}

	metrics.FramesTotal.WithLabelValues(string(ev.Type)).Inc()
	log.Stream(string(ev.Type), ev.Content)
	p.queue = append(p.queue, ev)
	if ev.Type == EventEnd {
		p.sawEnd = true
	}
}

func decodeFrame(line string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return Event{}, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	switch ev.Type {
	case EventStart, EventChunk, EventEnd:
		return ev, nil
	default:
		return Event{}, errors.Wrapf(ErrMalformedFrame, "unknown frame type %q", ev.Type)
	}
}
