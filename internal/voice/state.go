package voice

import "time"

// Status is the connection status of the conversation session.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry in the append-only conversation history.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// State is a snapshot of the observable voice state. Snapshots handed to
// observers never alias the controller's internal conversation slice.
type State struct {
	Status       Status `json:"-"`
	StatusText   string `json:"status"`
	Listening    bool   `json:"isListening"`
	Processing   bool   `json:"isProcessing"`
	Speaking     bool   `json:"isSpeaking"`
	Transcript   string `json:"transcript"`
	Conversation []Turn `json:"conversation"`
	LastError    string `json:"error,omitempty"`
}

func (s State) clone() State {
	out := s
	out.StatusText = s.Status.String()
	out.Conversation = make([]Turn, len(s.Conversation))
	copy(out.Conversation, s.Conversation)
	return out
}
