package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/youruser/newsgpt/internal/metrics"
)

// maxTitleRunes bounds sidebar titles.
const maxTitleRunes = 30

type historyKind int

const (
	historyRefresh historyKind = iota // sidebar refresh after a turn
	historyLoad                       // load on start or session change
)

func (k historyKind) String() string {
	if k == historyLoad {
		return "load"
	}
	return "refresh"
}

// RefreshSidebar fetches the server history for the current session and
// applies it unless a newer request has already been applied.
func (e *Engine) RefreshSidebar(ctx context.Context) error {
	return e.fetchHistory(ctx, historyRefresh, e.currentGeneration())
}

// LoadHistory is RefreshSidebar reported through IsLoadingHistory.
func (e *Engine) LoadHistory(ctx context.Context) error {
	return e.fetchHistory(ctx, historyLoad, e.currentGeneration())
}

func (e *Engine) currentGeneration() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// fetchHistory runs one history request on behalf of generation gen. Each
// request takes a ticket; a response is applied only when its ticket is newer
// than the last applied one and the conversation was not reset or moved to
// another session while it was in flight.
func (e *Engine) fetchHistory(ctx context.Context, kind historyKind, gen uint64) error {
	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		return nil
	}
	e.historyTicket++
	ticket := e.historyTicket
	sessionID := e.sessions.Current()
	e.beginFetchLocked(kind)
	e.unlockAndPublish()

	started := time.Now()
	items, err := e.backend.FetchHistory(ctx, sessionID)

	e.mu.Lock()
	e.endFetchLocked(kind)
	switch {
	case err != nil:
		log.Warn("History %s for %s failed: %v", kind, sessionID, err)
	case e.generation != gen || sessionID != e.sessions.Current() || ticket <= e.appliedTicket:
		metrics.StaleHistoryTotal.Inc()
		log.Debug("Dropping stale history %s (ticket %d, applied %d)", kind, ticket, e.appliedTicket)
	default:
		e.appliedTicket = ticket
		e.applyHistoryLocked(items)
		log.Debug("History %s applied (%d items, %s)", kind, len(items), time.Since(started))
	}
	e.unlockAndPublish()
	return err
}

func (e *Engine) beginFetchLocked(kind historyKind) {
	if kind == historyLoad {
		e.loading++
	} else {
		e.refreshing++
	}
	e.syncFetchFlagsLocked()
}

func (e *Engine) endFetchLocked(kind historyKind) {
	if kind == historyLoad {
		e.loading--
	} else {
		e.refreshing--
	}
	e.syncFetchFlagsLocked()
}

func (e *Engine) syncFetchFlagsLocked() {
	e.status.IsLoadingHistory = e.loading > 0
	e.status.IsRefreshingSidebar = e.refreshing > 0
}

// ReconcileFromServer applies items as the canonical history: the cache is
// replaced and, unless items is empty or a response is streaming, the
// message list is rebuilt from it.
func (e *Engine) ReconcileFromServer(items []HistoryItem) {
	e.mu.Lock()
	e.appliedTicket = e.historyTicket
	e.applyHistoryLocked(items)
	e.unlockAndPublish()
}

func (e *Engine) applyHistoryLocked(items []HistoryItem) {
	e.history = cloneHistory(items)
	if len(items) == 0 {
		return
	}
	if e.status.IsStreaming {
		// The post-stream refresh reconciles once the placeholder is final.
		return
	}
	e.messages = e.messagesFromHistoryLocked()
	e.selected = -1
	e.persistLocked()
}

// SelectHistoryPoint rebuilds the message list from the cached history and
// marks index as selected. No request is made.
func (e *Engine) SelectHistoryPoint(index int) error {
	e.mu.Lock()
	if e.status.IsStreaming {
		e.mu.Unlock()
		return ErrStreamInProgress
	}
	if index < 0 || index >= len(e.history) {
		n := len(e.history)
		e.mu.Unlock()
		return errors.Wrapf(ErrHistoryIndex, "%d not in [0, %d)", index, n)
	}
	e.messages = e.messagesFromHistoryLocked()
	e.selected = index
	e.persistLocked()
	e.unlockAndPublish()
	return nil
}

func (e *Engine) messagesFromHistoryLocked() []Message {
	now := e.now()
	msgs := make([]Message, len(e.history))
	for i, item := range e.history {
		msgs[i] = Message{
			ID:        e.ids.NewID(),
			Text:      item.Content,
			Sender:    SenderForRole(item.Role),
			Timestamp: now,
		}
	}
	return msgs
}

// UserHistory lists the user turns of the cached history for the sidebar.
func (e *Engine) UserHistory() []HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := []HistoryEntry{}
	for i, item := range e.history {
		if item.Role != RoleUser {
			continue
		}
		entries = append(entries, HistoryEntry{
			Index:    i,
			Title:    historyTitle(item.Content, len(entries)+1),
			Selected: i == e.selected,
		})
	}
	return entries
}

func historyTitle(content string, n int) string {
	if content == "" {
		return fmt.Sprintf("Message %d", n)
	}
	runes := []rune(content)
	if len(runes) <= maxTitleRunes {
		return content
	}
	return string(runes[:maxTitleRunes]) + "..."
}
