package chat

// Phase is the response lifecycle state.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseSending     Phase = "sending"
	PhaseStreaming   Phase = "streaming"
	PhaseReconciling Phase = "reconciling"
	PhaseError       Phase = "error"
)

// ConnectionStatus reflects the state of the most recent stream request.
type ConnectionStatus string

const (
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnConnecting   ConnectionStatus = "connecting"
	ConnConnected    ConnectionStatus = "connected"
	ConnError        ConnectionStatus = "error"
)

// Status holds the engine's status flags.
type Status struct {
	Phase               Phase            `json:"phase"`
	IsTyping            bool             `json:"isTyping"`
	IsStreaming         bool             `json:"isStreaming"`
	Connection          ConnectionStatus `json:"connectionStatus"`
	IsLoadingHistory    bool             `json:"isLoadingHistory"`
	IsRefreshingSidebar bool             `json:"isRefreshingSidebar"`
	LastError           string           `json:"lastError,omitempty"`
}

// Snapshot is a read-only copy of the engine state.
type Snapshot struct {
	Version   uint64        `json:"version"`
	SessionID string        `json:"sessionId"`
	Messages  []Message     `json:"messages"`
	Input     string        `json:"input"`
	Status    Status        `json:"status"`
	History   []HistoryItem `json:"history"`
	Selected  int           `json:"selected"` // -1 when nothing is selected
}

// HistoryEntry is one sidebar row: a user turn from the cached history.
type HistoryEntry struct {
	Index    int    `json:"index"` // position in the full history
	Title    string `json:"title"`
	Selected bool   `json:"selected"`
}
