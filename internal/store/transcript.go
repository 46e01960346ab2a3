package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/youruser/newsgpt/internal/chat"
	"github.com/youruser/newsgpt/internal/metrics"
)

// DefaultKey is the slot key holding the displayed transcript.
const DefaultKey = "chatbot-messages"

// record is the persisted shape of a chat.Message.
type record struct {
	ID          string      `json:"id"`
	Text        string      `json:"text"`
	Sender      chat.Sender `json:"sender"`
	Timestamp   string      `json:"timestamp"`
	IsStreaming bool        `json:"isStreaming,omitempty"`
}

// Transcript persists the message list into a single slot key.
type Transcript struct {
	slot Slot
	key  string
}

var _ chat.Transcript = &Transcript{}

// NewTranscript wraps slot. An empty key uses DefaultKey.
func NewTranscript(slot Slot, key string) *Transcript {
	if key == "" {
		key = DefaultKey
	}
	return &Transcript{slot: slot, key: key}
}

// Load returns the persisted messages. Missing, unreadable or corrupt data
// yields an empty transcript.
func (t *Transcript) Load(ctx context.Context) []chat.Message {
	data, err := t.slot.Get(ctx, t.key)
	if err != nil {
		if !errors.Is(err, ErrSlotEmpty) {
			log.Warn("transcript: load %s: %v", t.key, err)
			metrics.StoreOpsTotal.WithLabelValues("load", metrics.StatusError).Inc()
		}
		return []chat.Message{}
	}

	msgs, err := decodeTranscript(data)
	if err != nil {
		log.Warn("transcript: discarding %s: %v", t.key, err)
		metrics.StoreOpsTotal.WithLabelValues("load", metrics.StatusError).Inc()
		return []chat.Message{}
	}
	metrics.StoreOpsTotal.WithLabelValues("load", metrics.StatusOK).Inc()
	return msgs
}

// Save overwrites the slot with messages. While a message is streaming the
// write is interim and skips fsync; the save that ends the stream syncs.
func (t *Transcript) Save(ctx context.Context, messages []chat.Message) error {
	if streaming(messages) {
		ctx = WithoutSync(ctx)
	}
	data, err := encodeTranscript(messages)
	if err == nil {
		err = t.slot.Put(ctx, t.key, data)
	}
	metrics.StoreOpsTotal.WithLabelValues("save", metrics.Status(err)).Inc()
	if err != nil {
		return errors.Wrap(err, "save transcript")
	}
	return nil
}

// Clear removes the slot.
func (t *Transcript) Clear(ctx context.Context) error {
	err := t.slot.Delete(ctx, t.key)
	metrics.StoreOpsTotal.WithLabelValues("clear", metrics.Status(err)).Inc()
	if err != nil {
		return errors.Wrap(err, "clear transcript")
	}
	return nil
}

func streaming(messages []chat.Message) bool {
	for _, m := range messages {
		if m.IsStreaming {
			return true
		}
	}
	return false
}

func encodeTranscript(messages []chat.Message) ([]byte, error) {
	records := make([]record, len(messages))
	for i, m := range messages {
		records[i] = record{
			ID:          m.ID,
			Text:        m.Text,
			Sender:      m.Sender,
			Timestamp:   m.Timestamp.UTC().Format(time.RFC3339Nano),
			IsStreaming: m.IsStreaming,
		}
	}
	return json.Marshal(records)
}

func decodeTranscript(data []byte) ([]chat.Message, error) {
	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	msgs := make([]chat.Message, 0, len(records))
	for i, r := range records {
		if r.ID == "" {
			return nil, errors.Wrapf(ErrCorrupt, "message %d: missing id", i)
		}
		if r.Sender != chat.SenderUser && r.Sender != chat.SenderBot {
			return nil, errors.Wrapf(ErrCorrupt, "message %d: invalid sender %q", i, r.Sender)
		}
		ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
		if err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "message %d: invalid timestamp %q", i, r.Timestamp)
		}
		msgs = append(msgs, chat.Message{
			ID:          r.ID,
			Text:        r.Text,
			Sender:      r.Sender,
			Timestamp:   ts,
			IsStreaming: r.IsStreaming,
		})
	}
	return msgs, nil
}
