package gateway

import (
	"encoding/json"

	"github.com/lhdbsbz/convsync/internal/chat"
)

// Frame is the universal WebSocket message format.
// Three types: "req" (client→server), "res" (server→client), "event" (server→client push).
type Frame struct {
	Type    string          `json:"type"`              // "req" | "res" | "event"
	ID      string          `json:"id,omitempty"`      // request/response correlation ID
	Method  string          `json:"method,omitempty"`  // for req: method name
	Params  json.RawMessage `json:"params,omitempty"`  // for req: method parameters
	OK      *bool           `json:"ok,omitempty"`      // for res: success flag
	Payload json.RawMessage `json:"payload,omitempty"` // for res: response data
	Error   *ErrorPayload   `json:"error,omitempty"`   // for res: error details
	Event   string          `json:"event,omitempty"`   // for event: event name
	Seq     int             `json:"seq,omitempty"`     // for event: sequence number
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectParams is the first request on every connection.
type ConnectParams struct {
	Token string `json:"token"`
}

// Methods, shared by /ws and the /api mirror.
const (
	MethodChatSend           = "chat.send"
	MethodConversationOpen   = "conversation.open"
	MethodConversationNew    = "conversation.new"
	MethodConversationList   = "conversation.list"
	MethodConversationDelete = "conversation.delete"
	MethodCardAction         = "card.action"
	MethodFeedback           = "feedback"
	MethodMessageRetry       = "message.retry"
	MethodTranscriptGet      = "transcript.get"
)

// EventTranscript carries an engine.View after every transcript or state change.
const EventTranscript = "transcript"

type ChatSendParams struct {
	Text string `json:"text"`
}

type ConversationParams struct {
	ConversationID string `json:"conversationId"`
}

// NewConversationParams carries the client-generated token that makes a
// double-clicked "new conversation" reset only once.
type NewConversationParams struct {
	Token string `json:"token"`
}

type CardActionParams struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type FeedbackParams struct {
	LocalID string        `json:"localId"`
	Value   chat.Feedback `json:"value"`
}

type RetryParams struct {
	LocalID string `json:"localId"`
}

// Helper to create response frames

func ResOK(id string, payload any) Frame {
	data, _ := json.Marshal(payload)
	ok := true
	return Frame{Type: "res", ID: id, OK: &ok, Payload: data}
}

func ResErr(id string, code, message string) Frame {
	ok := false
	return Frame{Type: "res", ID: id, OK: &ok, Error: &ErrorPayload{Code: code, Message: message}}
}

func EventFrame(event string, seq int, payload any) Frame {
	data, _ := json.Marshal(payload)
	return Frame{Type: "event", Event: event, Seq: seq, Payload: data}
}
