package chat

import (
	"context"
	"io"
	"time"
)

// Sender identifies who authored a displayed message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Message is one entry of the displayed transcript.
type Message struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Sender      Sender    `json:"sender"`
	Timestamp   time.Time `json:"timestamp"`
	IsStreaming bool      `json:"isStreaming,omitempty"` // bot only
}

// Role is the author of a server-side history item.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryItem is one entry of the server's canonical session history.
type HistoryItem struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SenderForRole maps server roles onto display senders: user stays user,
// every other role is shown as the bot.
func SenderForRole(r Role) Sender {
	if r == RoleUser {
		return SenderUser
	}
	return SenderBot
}

// Backend is the remote chat service as seen by the engine.
type Backend interface {
	OpenStream(ctx context.Context, message, sessionID string) (io.ReadCloser, error)
	FetchHistory(ctx context.Context, sessionID string) ([]HistoryItem, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Transcript persists the displayed message list. Load never fails: missing
// or corrupt data yields an empty transcript.
type Transcript interface {
	Load(ctx context.Context) []Message
	Save(ctx context.Context, messages []Message) error
	Clear(ctx context.Context) error
}
