package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lhdbsbz/convsync/internal/chat"
)

// DefaultSessionTTL applies when the token endpoint omits expiresIn.
const DefaultSessionTTL = 3600 * time.Second

// AgentClient talks to the remote conversational agent service.
type AgentClient struct {
	ep  endpoint
	now func() time.Time
}

func NewAgentClient(baseURL, token string, timeout time.Duration) *AgentClient {
	return &AgentClient{ep: newEndpoint(baseURL, token, timeout), now: time.Now}
}

// SetClock overrides the clock used to compute session expiry.
func (c *AgentClient) SetClock(now func() time.Time) { c.now = now }

type tokenRequest struct {
	AgentID string `json:"agentId,omitempty"`
}

type tokenResponse struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	AgentID        string `json:"agentId"`
	EnvironmentID  string `json:"environmentId"`
	SchemaName     string `json:"schemaName"`
	ExpiresIn      int    `json:"expiresIn"`
	WelcomeMessage string `json:"welcomeMessage"`
}

// CreateSession calls POST /session/token for agentRef.
func (c *AgentClient) CreateSession(ctx context.Context, agentRef string) (*chat.Session, error) {
	var resp tokenResponse
	if err := c.ep.do(ctx, http.MethodPost, "/session/token", nil, tokenRequest{AgentID: agentRef}, &resp); err != nil {
		return nil, err
	}
	if resp.ConversationID == "" {
		return nil, fmt.Errorf("session token response has no conversationId")
	}
	ttl := DefaultSessionTTL
	if resp.ExpiresIn > 0 {
		ttl = time.Duration(resp.ExpiresIn) * time.Second
	}
	agentID := resp.AgentID
	if agentID == "" {
		agentID = agentRef
	}
	return &chat.Session{
		ID:             resp.ConversationID,
		UserID:         resp.UserID,
		UserName:       resp.UserName,
		AgentID:        agentID,
		EnvironmentID:  resp.EnvironmentID,
		SchemaName:     resp.SchemaName,
		WelcomeMessage: resp.WelcomeMessage,
		ExpiresAt:      c.now().Add(ttl),
	}, nil
}

// Reply is one agent turn.
type Reply struct {
	Text        string
	Attachments []chat.Attachment
	Suggestions []string
}

// Empty reports whether the agent said nothing at all.
func (r *Reply) Empty() bool { return r.Text == "" && len(r.Attachments) == 0 }

type replyBody struct {
	Response           string           `json:"response"`
	Text               string           `json:"text"`
	Attachments        []WireAttachment `json:"attachments"`
	SuggestedQuestions []string         `json:"suggestedQuestions"`
}

func (b replyBody) reply() *Reply {
	r := &Reply{Text: firstNonEmpty(b.Response, b.Text), Suggestions: b.SuggestedQuestions}
	for _, wa := range b.Attachments {
		if a, ok := wa.Attachment(); ok {
			r.Attachments = append(r.Attachments, a)
		}
	}
	return r
}

type sendRequest struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Text           string `json:"text"`
}

// Send exchanges one user turn on the session's agent thread.
func (c *AgentClient) Send(ctx context.Context, sess *chat.Session, text string) (*Reply, error) {
	var body replyBody
	req := sendRequest{ConversationID: sess.ID, UserID: sess.UserID, Text: text}
	if err := c.ep.do(ctx, http.MethodPost, "/conversation/send", nil, req, &body); err != nil {
		return nil, err
	}
	return body.reply(), nil
}

type cardRequest struct {
	ConversationID string          `json:"conversationId"`
	UserID         string          `json:"userId"`
	ActionData     json.RawMessage `json:"actionData"`
}

// SendCardAction submits an adaptive card action on the session's agent thread.
func (c *AgentClient) SendCardAction(ctx context.Context, sess *chat.Session, actionData json.RawMessage) (*Reply, error) {
	var body replyBody
	req := cardRequest{ConversationID: sess.ID, UserID: sess.UserID, ActionData: actionData}
	if err := c.ep.do(ctx, http.MethodPost, "/conversation/send-card-response", nil, req, &body); err != nil {
		return nil, err
	}
	return body.reply(), nil
}

// Title asks the agent service for a short conversation title.
func (c *AgentClient) Title(ctx context.Context, text string) (string, error) {
	var resp struct {
		Title string `json:"title"`
	}
	if err := c.ep.do(ctx, http.MethodPost, "/conversation/title", nil, map[string]string{"text": text}, &resp); err != nil {
		return "", err
	}
	return resp.Title, nil
}
