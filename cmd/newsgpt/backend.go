package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/youruser/newsgpt/internal/api"
	"github.com/youruser/newsgpt/internal/chat"
	"github.com/youruser/newsgpt/internal/config"
	"github.com/youruser/newsgpt/internal/store"
)

const maxRequestSize = 1024 * 1024

// activeSend tracks the one send request allowed at a time.
type activeSend struct {
	mu        sync.Mutex
	cancel    context.CancelFunc
	requestID string
	reserved  bool
	canceled  bool
}

func (a *activeSend) reserve(reqID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reserved {
		return false
	}
	a.reserved = true
	a.requestID = reqID
	a.cancel = nil
	a.canceled = false
	return true
}

func (a *activeSend) setCancel(reqID string, cancel context.CancelFunc) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.reserved || a.requestID != reqID {
		return false
	}
	a.cancel = cancel
	return true
}

func (a *activeSend) clear(reqID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.requestID != reqID {
		return
	}
	a.reserved = false
	a.requestID = ""
	a.cancel = nil
	a.canceled = false
}

// cancelActive cancels the active send. A non-empty targetID must match it.
func (a *activeSend) cancelActive(targetID string) bool {
	a.mu.Lock()
	if !a.reserved || (targetID != "" && a.requestID != targetID) {
		a.mu.Unlock()
		return false
	}
	cancel := a.cancel
	a.canceled = true
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

func (a *activeSend) wasCanceled(reqID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requestID == reqID && a.canceled
}

func (a *activeSend) active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved
}

// server speaks newline-delimited JSON: one request per input line, one or
// more responses per request, plus unsolicited "state" pushes whenever the
// engine publishes a new snapshot.
type server struct {
	engine *chat.Engine
	out    io.Writer
	stop   context.CancelFunc

	respondMu   sync.Mutex
	lastVersion uint64

	send        activeSend
	wg          sync.WaitGroup
	unsubscribe func()
}

func newServer(engine *chat.Engine, out io.Writer, stop context.CancelFunc) *server {
	s := &server{engine: engine, out: out, stop: stop}
	s.unsubscribe = engine.Subscribe(s.pushState)
	return s
}

func (s *server) close() {
	s.unsubscribe()
}

// wait blocks until asynchronous requests have responded.
func (s *server) wait() {
	s.wg.Wait()
}

// pushState forwards a snapshot unless a newer one was already written.
func (s *server) pushState(snap chat.Snapshot) {
	data := map[string]any{"type": "state", "state": snap}
	out, err := json.Marshal(data)
	if err != nil {
		log.Error("Marshal state: %v", err)
		return
	}

	s.respondMu.Lock()
	defer s.respondMu.Unlock()
	if snap.Version <= s.lastVersion {
		return
	}
	s.lastVersion = snap.Version
	s.writeLocked("state", out)
}

func (s *server) respond(reqID string, data map[string]any) {
	out, err := json.Marshal(addResponseID(reqID, data))
	if err != nil {
		log.Error("Marshal response: %v", err)
		out, _ = json.Marshal(addResponseID(reqID, map[string]any{"type": "error", "message": err.Error()}))
	}
	msgType, _ := data["type"].(string)
	s.respondMu.Lock()
	defer s.respondMu.Unlock()
	s.writeLocked(msgType, out)
}

func (s *server) writeLocked(msgType string, out []byte) {
	log.Response(msgType, string(out))
	if _, err := fmt.Fprintln(s.out, string(out)); err != nil {
		log.Error("Write response: %v", err)
	}
}

// serve reads requests from in until EOF, a read error or ctx is done.
func (s *server) serve(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxRequestSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			s.handleRequest(ctx, line)
		case err := <-readErr:
			if errors.Is(err, bufio.ErrTooLong) {
				s.respond("", map[string]any{
					"type":    "error",
					"message": "Request too large (max 1MB).",
				})
				return errors.Wrap(err, "read request")
			}
			if err != nil {
				return errors.Wrap(err, "read request")
			}
			return nil
		}
	}
}

func (s *server) handleRequest(ctx context.Context, line string) {
	var req map[string]any
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		log.Error("Invalid JSON request: %s", line)
		s.respond("", map[string]any{"type": "error", "message": "Invalid JSON"})
		return
	}

	action, _ := req["action"].(string)
	log.Request(action, line)
	reqID := requestID(req)

	switch action {
	case "ping":
		s.respond(reqID, map[string]any{"type": "ok"})

	case "version":
		s.respond(reqID, map[string]any{"type": "version", "version": versionString()})

	case "state":
		s.respond(reqID, map[string]any{"type": "state", "state": s.engine.Snapshot()})

	case "set_input":
		text, _ := req["text"].(string)
		s.engine.SetInput(text)
		s.respond(reqID, map[string]any{"type": "ok"})

	case "send":
		s.handleSend(ctx, reqID, req)

	case "cancel":
		target, _ := req["target_id"].(string)
		s.respond(reqID, map[string]any{"type": "ok", "canceled": s.send.cancelActive(target)})

	case "new_chat":
		if err := s.engine.NewChat(ctx); err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		s.respond(reqID, map[string]any{"type": "ok", "session_id": s.engine.SessionID()})

	case "delete_session":
		if err := s.engine.DeleteSession(ctx); err != nil {
			resp := errorResponse(err)
			resp["session_id"] = s.engine.SessionID()
			s.respond(reqID, resp)
			return
		}
		s.respond(reqID, map[string]any{"type": "ok", "session_id": s.engine.SessionID()})

	case "refresh":
		s.goHistory(ctx, reqID, s.engine.RefreshSidebar)

	case "load_history":
		s.goHistory(ctx, reqID, s.engine.LoadHistory)

	case "select_history":
		index, ok := req["index"].(float64)
		if !ok || index != float64(int(index)) {
			s.respond(reqID, map[string]any{"type": "error", "message": "Missing required field: index"})
			return
		}
		if err := s.engine.SelectHistoryPoint(int(index)); err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		s.respond(reqID, map[string]any{"type": "ok"})

	case "history":
		s.respond(reqID, map[string]any{"type": "history", "entries": s.engine.UserHistory()})

	case "estimate_tokens":
		text, _ := req["text"].(string)
		s.respond(reqID, map[string]any{"type": "estimate", "estimate": s.engine.EstimateTokens(text)})

	case "shutdown":
		s.respond(reqID, map[string]any{"type": "ok"})
		s.stop()

	default:
		s.respond(reqID, map[string]any{"type": "error", "message": fmt.Sprintf("Unknown action: %s", action)})
	}
}

// handleSend starts the send in the background and responds with "done",
// "canceled" or an error once the engine is idle again. Stream progress
// reaches the client through state pushes.
func (s *server) handleSend(ctx context.Context, reqID string, req map[string]any) {
	text, hasText := req["text"].(string)
	if !s.send.reserve(reqID) {
		s.respond(reqID, errorResponse(chat.ErrStreamInProgress))
		return
	}

	sendCtx, cancel := context.WithCancel(ctx)
	s.send.setCancel(reqID, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.send.clear(reqID)
		defer cancel()

		var err error
		if hasText {
			err = s.engine.Send(sendCtx, text)
		} else {
			err = s.engine.Submit(sendCtx)
		}
		s.respond(reqID, s.sendOutcome(reqID, err))
	}()
}

// sendOutcome builds the final response of a send. A cancel that arrived
// after the send completed does not turn it into "canceled".
func (s *server) sendOutcome(reqID string, err error) map[string]any {
	switch {
	case err == nil:
		return map[string]any{"type": "done", "session_id": s.engine.SessionID()}
	case s.send.wasCanceled(reqID):
		return map[string]any{"type": "canceled"}
	default:
		return errorResponse(err)
	}
}

func (s *server) goHistory(ctx context.Context, reqID string, fetch func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fetch(ctx); err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		s.respond(reqID, map[string]any{"type": "ok"})
	}()
}

func errorResponse(err error) map[string]any {
	var msg string
	switch {
	case errors.Is(err, chat.ErrStreamInProgress):
		msg = "A response is still streaming"
	case errors.Is(err, chat.ErrEmptyMessage):
		msg = "Message is empty"
	case errors.Is(err, chat.ErrConversationReset):
		msg = "Conversation was reset"
	case errors.Is(err, chat.ErrClosed):
		msg = "Shutting down"
	case errors.Is(err, chat.ErrHistoryIndex):
		msg = err.Error()
	case errors.Is(err, api.ErrSessionDeleteFailed):
		msg = "Could not clear the session on the server; started a new chat locally"
	case errors.Is(err, api.ErrHistoryUnavailable):
		msg = "Could not load session history"
	case errors.Is(err, store.ErrSlotLocked):
		msg = "Transcript store is in use by another process"
	case errors.Is(err, config.ErrNoConfig):
		msg = "Config file not found: ~/.config/newsgpt/config.yaml"
	default:
		msg = err.Error()
	}
	return map[string]any{"type": "error", "message": msg}
}

func addResponseID(reqID string, data map[string]any) map[string]any {
	if reqID == "" {
		return data
	}
	data["request_id"] = reqID
	return data
}

func requestID(req map[string]any) string {
	switch v := req["request_id"].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}
