package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/youruser/newsgpt/internal/session"
)

type sentTurn struct {
	Message   string
	SessionID string
}

type streamOpener func(ctx context.Context) (io.ReadCloser, error)

// fakeBackend scripts the chat service: each OpenStream call takes the next
// scripted stream, history is answered by a function of the session id.
type fakeBackend struct {
	mu        sync.Mutex
	streams   []streamOpener
	history   func(call int, sessionID string) ([]HistoryItem, error)
	deleteErr error

	sent    []sentTurn
	fetched []string
	deleted []string
}

func (f *fakeBackend) OpenStream(ctx context.Context, message, sessionID string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sentTurn{Message: message, SessionID: sessionID})
	var next streamOpener
	if len(f.streams) > 0 {
		next = f.streams[0]
		f.streams = f.streams[1:]
	}
	f.mu.Unlock()

	if next == nil {
		return nil, errors.New("no stream scripted")
	}
	return next(ctx)
}

func (f *fakeBackend) FetchHistory(ctx context.Context, sessionID string) ([]HistoryItem, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, sessionID)
	call := len(f.fetched)
	fn := f.history
	f.mu.Unlock()

	if fn == nil {
		return []HistoryItem{}, nil
	}
	return fn(call, sessionID)
}

func (f *fakeBackend) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sessionID)
	return f.deleteErr
}

func (f *fakeBackend) queue(streams ...streamOpener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, streams...)
}

func (f *fakeBackend) sentTurns() []sentTurn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentTurn(nil), f.sent...)
}

func (f *fakeBackend) deletedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeBackend) fetchedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

// frames joins stream lines into a newline-delimited body.
func frames(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func body(s string) streamOpener {
	return func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(s)), nil
	}
}

func failOpen(err error) streamOpener {
	return func(ctx context.Context) (io.ReadCloser, error) {
		return nil, err
	}
}

// pipeStream is a response body the test writes frames into.
type pipeStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipeStream() *pipeStream {
	r, w := io.Pipe()
	return &pipeStream{r: r, w: w}
}

func (p *pipeStream) open(ctx context.Context) (io.ReadCloser, error) {
	go func() {
		<-ctx.Done()
		p.r.CloseWithError(ctx.Err())
	}()
	return p.r, nil
}

// send writes one frame line; errors after the reader went away are ignored.
func (p *pipeStream) send(line string) {
	p.w.Write([]byte(line + "\n"))
}

// memoryTranscript records every save.
type memoryTranscript struct {
	mu      sync.Mutex
	initial []Message
	saved   []Message
	saves   int
	clears  int
}

func (m *memoryTranscript) Load(ctx context.Context) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneMessages(m.initial)
}

func (m *memoryTranscript) Save(ctx context.Context, messages []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = cloneMessages(messages)
	m.saves++
	return nil
}

func (m *memoryTranscript) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = nil
	m.clears++
	return nil
}

func (m *memoryTranscript) counts() (saves, clears int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves, m.clears
}

func (m *memoryTranscript) persisted() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneMessages(m.saved)
}

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, backend *fakeBackend, opts ...Option) (*Engine, *memoryTranscript) {
	t.Helper()
	tr := &memoryTranscript{}
	base := []Option{
		WithSessions(session.NewManager("abc123", session.NewSequence("session"))),
		WithMessageIDs(session.NewSequence("msg")),
		WithClock(func() time.Time { return testTime }),
		WithRefreshDelay(time.Hour),
		WithIdleTimeout(5 * time.Second),
		WithServiceURL("http://chat.test"),
	}
	e := New(backend, tr, append(base, opts...)...)
	t.Cleanup(e.Close)
	return e, tr
}

// recorder collects published snapshots.
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) observe(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func waitFor(t *testing.T, e *Engine, cond func(Snapshot) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(e.Snapshot()) }, 2*time.Second, 5*time.Millisecond, msg)
}

func texts(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Sender) + ":" + m.Text
	}
	return out
}
