package chat

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/youruser/newsgpt/internal/logging"
	"github.com/youruser/newsgpt/internal/metrics"
	"github.com/youruser/newsgpt/internal/session"
	"github.com/youruser/newsgpt/internal/stream"
)

var (
	ErrStreamInProgress  = errors.New("a response is still streaming")
	ErrEmptyMessage      = errors.New("message is empty")
	ErrStreamIncomplete  = errors.New("stream ended before stream_end")
	ErrConversationReset = errors.New("conversation was reset while the response was streaming")
	ErrHistoryIndex      = errors.New("history index out of range")
	ErrClosed            = errors.New("engine is closed")
	log                  = logging.Get()
)

const (
	DefaultRefreshDelay = 500 * time.Millisecond
	DefaultIdleTimeout  = 60 * time.Second
)

// Turn outcomes recorded in metrics.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeRejected  = "rejected"
	outcomeAbandoned = "abandoned"
)

// Option configures an Engine.
type Option func(*Engine)

// WithSessions sets the session identity manager.
func WithSessions(m *session.Manager) Option {
	return func(e *Engine) { e.sessions = m }
}

// WithMessageIDs sets the generator for message ids.
func WithMessageIDs(g session.Generator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithClock sets the timestamp source for new messages.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRefreshDelay sets how long after a send the sidebar refresh runs.
// Zero refreshes immediately.
func WithRefreshDelay(d time.Duration) Option {
	return func(e *Engine) { e.refreshDelay = d }
}

// WithIdleTimeout bounds the gap between bytes of a response stream.
// A non-positive value disables the bound.
func WithIdleTimeout(d time.Duration) Option {
	return func(e *Engine) { e.idleTimeout = d }
}

// WithServiceURL names the chat service in error diagnostics.
func WithServiceURL(url string) Option {
	return func(e *Engine) { e.serviceURL = url }
}

// Engine owns the conversation state: the message list, the input buffer,
// the status flags and the cached server history. All mutations go through
// its methods; observers receive copies.
type Engine struct {
	mu sync.Mutex

	backend    Backend
	transcript Transcript
	sessions   *session.Manager
	ids        session.Generator
	now        func() time.Time

	refreshDelay time.Duration
	idleTimeout  time.Duration
	serviceURL   string

	messages []Message
	input    string
	status   Status
	history  []HistoryItem
	selected int

	// generation changes on every reset; writes tagged with an older
	// generation are dropped.
	generation uint64
	// turn identifies the latest send within a generation.
	turn uint64

	historyTicket uint64
	appliedTicket uint64
	refreshing    int
	loading       int

	version      uint64
	observers    map[int]func(Snapshot)
	nextObserver int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New creates an engine and restores the persisted transcript.
func New(backend Backend, transcript Transcript, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		backend:      backend,
		transcript:   transcript,
		now:          time.Now,
		refreshDelay: DefaultRefreshDelay,
		idleTimeout:  DefaultIdleTimeout,
		selected:     -1,
		status:       Status{Phase: PhaseIdle, Connection: ConnDisconnected},
		observers:    make(map[int]func(Snapshot)),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.transcript == nil {
		e.transcript = nopTranscript{}
	}
	if e.sessions == nil {
		e.sessions = session.NewManager("", nil)
	}
	if e.ids == nil {
		e.ids = session.TimeRandom{}
	}
	if e.refreshDelay < 0 {
		e.refreshDelay = 0
	}

	e.messages = e.transcript.Load(ctx)
	for i := range e.messages {
		// A stream interrupted by a previous process is never resumed.
		e.messages[i].IsStreaming = false
	}
	log.Info("Engine ready (session: %s, restored messages: %d)", e.sessions.Current(), len(e.messages))
	return e
}

// Start loads the server history for the current session in the background.
func (e *Engine) Start() {
	e.mu.Lock()
	gen := e.generation
	e.mu.Unlock()
	e.goLoadHistory(gen)
}

// Subscribe registers fn to receive a snapshot after every mutation. fn runs
// outside the engine lock. Snapshots published by concurrent operations may
// be delivered out of order; Snapshot.Version orders them.
func (e *Engine) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextObserver
	e.nextObserver++
	e.observers[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// SessionID returns the active session identifier.
func (e *Engine) SessionID() string {
	return e.sessions.Current()
}

// SetInput replaces the pending input buffer.
func (e *Engine) SetInput(text string) {
	e.mu.Lock()
	e.input = text
	e.unlockAndPublish()
}

// Input returns the pending input buffer.
func (e *Engine) Input() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.input
}

// Submit sends the pending input buffer.
func (e *Engine) Submit(ctx context.Context) error {
	return e.Send(ctx, e.Input())
}

// Send runs one response lifecycle for text: it appends the user message and
// a streaming placeholder, consumes the response stream into the placeholder
// and reconciles with the server history. It returns once the engine is idle
// again, with the stream failure if there was one.
func (e *Engine) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.status.IsStreaming {
		e.mu.Unlock()
		metrics.TurnsTotal.WithLabelValues(outcomeRejected).Inc()
		return ErrStreamInProgress
	}

	gen := e.generation
	e.turn++
	turn := e.turn
	sessionID := e.sessions.Current()

	e.messages = append(e.messages, Message{
		ID:        e.ids.NewID(),
		Text:      text,
		Sender:    SenderUser,
		Timestamp: e.now(),
	})
	e.input = ""
	placeholderID := e.ids.NewID()
	e.messages = append(e.messages, Message{
		ID:          placeholderID,
		Sender:      SenderBot,
		Timestamp:   e.now(),
		IsStreaming: true,
	})
	e.status.Phase = PhaseSending
	e.status.IsTyping = true
	e.status.IsStreaming = true
	e.status.Connection = ConnConnecting
	e.status.LastError = ""
	e.persistLocked()
	e.scheduleRefreshLocked(gen)
	e.unlockAndPublish()

	log.Info("Send (session: %s, message: %d bytes)", sessionID, len(text))
	started := time.Now()

	t := &turnState{e: e, gen: gen, turn: turn, placeholderID: placeholderID}
	err := t.run(ctx, text, sessionID)
	metrics.TurnDuration.Observe(time.Since(started).Seconds())

	switch {
	case errors.Is(err, ErrConversationReset):
		metrics.TurnsTotal.WithLabelValues(outcomeAbandoned).Inc()
		return err
	case err != nil:
		metrics.TurnsTotal.WithLabelValues(outcomeFailed).Inc()
		t.fail(err)
		return err
	}

	// Post-stream reconciliation. A failed fetch leaves the streamed text.
	if herr := e.fetchHistory(ctx, historyRefresh, gen); herr != nil {
		log.Warn("Post-stream history refresh failed: %v", herr)
	}
	t.idle()
	metrics.TurnsTotal.WithLabelValues(outcomeCompleted).Inc()
	return nil
}

// turnState carries the identity of one response lifecycle so each write can
// check that it is still current.
type turnState struct {
	e             *Engine
	gen           uint64
	turn          uint64
	placeholderID string
	connected     bool
}

// currentLocked reports whether this turn still owns the conversation.
func (t *turnState) currentLocked() bool {
	return t.e.generation == t.gen && t.e.turn == t.turn
}

func (t *turnState) run(ctx context.Context, text, sessionID string) error {
	e := t.e
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	idle := stream.NewIdleTimeout(e.idleTimeout, cancel)
	defer idle.Stop()

	body, err := e.backend.OpenStream(streamCtx, text, sessionID)
	if err != nil {
		if expired := idle.Err(); expired != nil {
			return expired
		}
		return err
	}
	defer body.Close()
	idle.Attach(body)

	if !t.update(func() { e.status.Phase = PhaseStreaming }) {
		return ErrConversationReset
	}

	parser := stream.NewParser(idle, stream.WithReadHook(func(int) {
		if t.connected {
			return
		}
		t.connected = true
		t.update(func() { e.status.Connection = ConnConnected })
	}))

	for {
		ev, err := parser.Next()
		if err == io.EOF {
			return ErrStreamIncomplete
		}
		if err != nil {
			return err
		}

		var current bool
		switch ev.Type {
		case stream.EventStart:
			current = t.adoptSession(ev.SessionID)
		case stream.EventChunk:
			current = t.update(func() {
				if m := e.findLocked(t.placeholderID); m != nil {
					m.Text += ev.Content
					e.persistLocked()
				}
			})
		case stream.EventEnd:
			if !t.update(func() {
				if m := e.findLocked(t.placeholderID); m != nil {
					m.IsStreaming = false
				}
				e.status.IsTyping = false
				e.status.IsStreaming = false
				e.status.Phase = PhaseReconciling
				e.persistLocked()
			}) {
				return ErrConversationReset
			}
			log.Info("Stream complete (session: %s)", e.sessions.Current())
			return nil
		}
		if !current {
			return ErrConversationReset
		}
	}
}

// update applies fn under the engine lock if the turn is still current and
// publishes the result. It reports whether fn ran.
func (t *turnState) update(fn func()) bool {
	e := t.e
	e.mu.Lock()
	if !t.currentLocked() {
		e.mu.Unlock()
		return false
	}
	fn()
	e.unlockAndPublish()
	return true
}

func (t *turnState) adoptSession(id string) bool {
	e := t.e
	e.mu.Lock()
	if !t.currentLocked() {
		e.mu.Unlock()
		return false
	}
	changed := e.sessions.Replace(id)
	gen := e.generation
	e.unlockAndPublish()

	if changed {
		log.Info("Server assigned session %s", id)
		e.goLoadHistory(gen)
	}
	return true
}

// fail rewrites the placeholder into a diagnostic and returns to idle.
func (t *turnState) fail(cause error) {
	e := t.e
	log.Error("Stream failed: %v", cause)
	t.update(func() {
		if m := e.findLocked(t.placeholderID); m != nil {
			m.Text = e.diagnostic(cause)
			m.IsStreaming = false
		}
		e.status.Phase = PhaseError
		e.status.Connection = ConnError
		e.status.IsTyping = false
		e.status.IsStreaming = false
		e.status.LastError = cause.Error()
		e.persistLocked()
	})
	t.idle()
}

func (t *turnState) idle() {
	t.update(func() { t.e.status.Phase = PhaseIdle })
}

func (e *Engine) diagnostic(cause error) string {
	where := "the chat service is reachable"
	if e.serviceURL != "" {
		where = fmt.Sprintf("the chat service at %s is reachable", e.serviceURL)
	}
	return fmt.Sprintf("Sorry, I encountered an error while processing your request: %v. Please check that %s and try again.", cause, where)
}

// NewChat starts an empty conversation under a fresh session identity.
func (e *Engine) NewChat(ctx context.Context) error {
	return e.reset(ctx)
}

// DeleteSession clears the session on the server and then resets locally,
// even when the remote call failed. The remote error is returned.
func (e *Engine) DeleteSession(ctx context.Context) error {
	sessionID := e.sessions.Current()
	remoteErr := e.backend.DeleteSession(ctx, sessionID)
	if remoteErr != nil {
		log.Warn("Delete session %s failed: %v", sessionID, remoteErr)
	}
	if err := e.reset(ctx); err != nil && remoteErr == nil {
		return err
	}
	return remoteErr
}

func (e *Engine) reset(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.generation++
	gen := e.generation
	e.messages = []Message{}
	e.input = ""
	e.history = nil
	e.selected = -1
	e.appliedTicket = e.historyTicket
	e.status.IsTyping = false
	e.status.IsStreaming = false
	e.status.Phase = PhaseIdle
	e.status.LastError = ""
	newID := e.sessions.Reset()
	err := e.transcript.Clear(ctx)
	if err != nil {
		log.Warn("Clear transcript: %v", err)
	}
	e.unlockAndPublish()

	log.Info("Conversation reset (session: %s)", newID)
	e.goLoadHistory(gen)
	return err
}

// scheduleRefreshLocked refreshes the sidebar after refreshDelay unless the
// conversation was reset in the meantime.
func (e *Engine) scheduleRefreshLocked(gen uint64) {
	if e.closed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		timer := time.NewTimer(e.refreshDelay)
		defer timer.Stop()
		select {
		case <-e.ctx.Done():
			return
		case <-timer.C:
		}
		if err := e.fetchHistory(e.ctx, historyRefresh, gen); err != nil {
			log.Warn("Deferred sidebar refresh failed: %v", err)
		}
	}()
}

func (e *Engine) goLoadHistory(gen uint64) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if err := e.fetchHistory(e.ctx, historyLoad, gen); err != nil {
			log.Warn("History load failed: %v", err)
		}
	}()
}

// Wait blocks until background history requests have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close cancels background work and waits for it to stop.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

func (e *Engine) findLocked(id string) *Message {
	for i := len(e.messages) - 1; i >= 0; i-- {
		if e.messages[i].ID == id {
			return &e.messages[i]
		}
	}
	return nil
}

// persistLocked writes the message list through to the store.
func (e *Engine) persistLocked() {
	if err := e.transcript.Save(context.WithoutCancel(e.ctx), e.messages); err != nil {
		log.Warn("Persist transcript: %v", err)
	}
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		Version:   e.version,
		SessionID: e.sessions.Current(),
		Messages:  cloneMessages(e.messages),
		Input:     e.input,
		Status:    e.status,
		History:   cloneHistory(e.history),
		Selected:  e.selected,
	}
}

// unlockAndPublish releases e.mu and delivers a snapshot of the state it
// guarded to every observer.
func (e *Engine) unlockAndPublish() {
	e.version++
	snap := e.snapshotLocked()
	observers := make([]func(Snapshot), 0, len(e.observers))
	for _, fn := range e.observers {
		observers = append(observers, fn)
	}
	e.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

func cloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	copy(out, in)
	return out
}

func cloneHistory(in []HistoryItem) []HistoryItem {
	if in == nil {
		return []HistoryItem{}
	}
	out := make([]HistoryItem, len(in))
	copy(out, in)
	return out
}

type nopTranscript struct{}

func (nopTranscript) Load(context.Context) []Message        { return []Message{} }
func (nopTranscript) Save(context.Context, []Message) error { return nil }
func (nopTranscript) Clear(context.Context) error           { return nil }
