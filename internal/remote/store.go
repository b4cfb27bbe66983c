package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lhdbsbz/convsync/internal/chat"
)

// StoreClient talks to the remote conversation store.
type StoreClient struct {
	ep endpoint
}

func NewStoreClient(baseURL, token string, timeout time.Duration) *StoreClient {
	return &StoreClient{ep: newEndpoint(baseURL, token, timeout)}
}

// Conversation is a stored conversation record.
type Conversation struct {
	ID       string
	Title    string
	Messages []chat.Message
	Session  *chat.Session // nil when no session was stored
}

type createConversationRequest struct {
	Title       string        `json:"title"`
	AgentID     string        `json:"agentId"`
	SessionData *chat.Session `json:"session_data,omitempty"`
}

// CreateConversation creates a record and returns its id. sess is stored as
// session_data so a later resume can reuse it.
func (c *StoreClient) CreateConversation(ctx context.Context, title, agentID string, sess *chat.Session) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	req := createConversationRequest{Title: title, AgentID: agentID, SessionData: sess}
	if err := c.ep.do(ctx, http.MethodPost, "/conversations", nil, req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create conversation: response has no id")
	}
	return resp.ID, nil
}

// GetConversation loads a record with its messages and stored session.
func (c *StoreClient) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var resp struct {
		ID          string          `json:"id"`
		Title       string          `json:"title"`
		Messages    json.RawMessage `json:"messages"`
		SessionData *chat.Session   `json:"session_data"`
	}
	if err := c.ep.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil, nil, &resp); err != nil {
		return nil, err
	}
	msgs, err := DecodeTranscript(resp.Messages)
	if err != nil {
		return nil, err
	}
	conv := &Conversation{ID: firstNonEmpty(resp.ID, id), Title: resp.Title, Messages: msgs}
	if resp.SessionData != nil && resp.SessionData.ID != "" {
		conv.Session = resp.SessionData
	}
	return conv, nil
}

// Messages fetches the authoritative transcript of a conversation.
func (c *StoreClient) Messages(ctx context.Context, id string) ([]chat.Message, error) {
	var raw json.RawMessage
	if err := c.ep.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id)+"/messages", nil, nil, &raw); err != nil {
		return nil, err
	}
	return DecodeTranscript(raw)
}

// AppendMessage writes m and returns the server-assigned message id. The
// message's idempotency key travels in the Idempotency-Key header so a
// retried write is stored once.
func (c *StoreClient) AppendMessage(ctx context.Context, conversationID, sessionID string, m chat.Message) (string, error) {
	var resp struct {
		MessageID string `json:"messageId"`
		ID        string `json:"id"`
	}
	var header http.Header
	if m.IdempotencyKey != "" {
		header = http.Header{"Idempotency-Key": []string{m.IdempotencyKey}}
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.ep.do(ctx, http.MethodPost, path, header, EncodeMessage(m, sessionID), &resp); err != nil {
		return "", err
	}
	id := firstNonEmpty(resp.MessageID, resp.ID)
	if id == "" {
		return "", fmt.Errorf("append message: response has no messageId")
	}
	return id, nil
}

// SetFeedback records feedback on a stored message. FeedbackNone clears it.
func (c *StoreClient) SetFeedback(ctx context.Context, conversationID, messageID string, v chat.Feedback) error {
	body := map[string]any{"feedback": nil}
	if v != chat.FeedbackNone {
		body["feedback"] = string(v)
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(messageID) + "/feedback"
	return c.ep.do(ctx, http.MethodPatch, path, nil, body, nil)
}

// DeleteConversation removes a conversation record.
func (c *StoreClient) DeleteConversation(ctx context.Context, id string) error {
	return c.ep.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(id), nil, nil, nil)
}

// ListConversations returns summaries for agentID, newest first.
func (c *StoreClient) ListConversations(ctx context.Context, agentID string, limit int) ([]chat.Summary, error) {
	q := url.Values{}
	if agentID != "" {
		q.Set("agentId", agentID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/conversations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []chat.Summary
	if err := c.ep.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
