package chat

import "time"

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool { return s == SenderUser || s == SenderAgent }

// Feedback is the tri-state rating on agent-authored messages.
type Feedback string

const (
	FeedbackNone     Feedback = ""
	FeedbackPositive Feedback = "positive"
	FeedbackNegative Feedback = "negative"
)

// Toggle returns the feedback after selecting v on top of current.
// Re-selecting the current value clears it.
func (current Feedback) Toggle(v Feedback) Feedback {
	if v == current {
		return FeedbackNone
	}
	return v
}

// DeliveryState tracks whether a message has been durably written to the remote store.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateConfirmed DeliveryState = "confirmed"
	StateFailed    DeliveryState = "failed"
)

// Message is a single transcript entry.
type Message struct {
	LocalID        string        `json:"localId"`
	ServerID       string        `json:"serverId,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	Text           string        `json:"text"`
	Sender         Sender        `json:"sender"`
	CreatedAt      time.Time     `json:"createdAt"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	Feedback       Feedback      `json:"feedback,omitempty"`
	State          DeliveryState `json:"deliveryState"`
	Ephemeral      bool          `json:"ephemeral,omitempty"` // welcome text, never persisted
	Fallback       bool          `json:"fallback,omitempty"`  // stands in for a failed agent round trip
	Suggestions    []string      `json:"suggestions,omitempty"`
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Suggestions != nil {
		out.Suggestions = append([]string(nil), m.Suggestions...)
	}
	return out
}

// Session is the live binding to a remote agent thread.
type Session struct {
	ID             string    `json:"sessionId"`
	UserID         string    `json:"userId"`
	UserName       string    `json:"userName"`
	AgentID        string    `json:"agentId"`
	EnvironmentID  string    `json:"environmentId,omitempty"`
	SchemaName     string    `json:"schemaName,omitempty"`
	WelcomeMessage string    `json:"welcomeMessage,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Expired reports whether the session is no longer usable at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Summary is a lightweight conversation listing row.
type Summary struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	MessageCount       int       `json:"messageCount"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Helper constructors

func UserMessage(text string, attachments ...Attachment) Message {
	return Message{Sender: SenderUser, Text: text, Attachments: attachments}
}

func AgentMessage(text string, attachments ...Attachment) Message {
	return Message{Sender: SenderAgent, Text: text, Attachments: attachments}
}

func FallbackMessage(text string) Message {
	return Message{Sender: SenderAgent, Text: text, Fallback: true}
}
