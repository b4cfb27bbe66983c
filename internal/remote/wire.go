package remote

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lhdbsbz/convsync/internal/chat"
)

// WireMessage is the stored-message document. Writers fill both the current
// and the legacy field of every pair (content/text, role/sender,
// createdAt/timestamp); readers accept either.
type WireMessage struct {
	ID             string           `json:"id,omitempty"`
	MessageID      string           `json:"messageId,omitempty"`
	Type           string           `json:"type,omitempty"`
	SessionID      string           `json:"sessionId,omitempty"`
	Role           string           `json:"role,omitempty"`
	Sender         string           `json:"sender,omitempty"`
	Content        string           `json:"content,omitempty"`
	Text           string           `json:"text,omitempty"`
	CreatedAt      string           `json:"createdAt,omitempty"`
	Timestamp      string           `json:"timestamp,omitempty"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
	Feedback       string           `json:"feedback,omitempty"`
	Fallback       bool             `json:"fallback,omitempty"`
	Suggestions    []string         `json:"suggestedQuestions,omitempty"`
	Attachments    []WireAttachment `json:"attachments,omitempty"`
}

// WireAttachment is the union of every attachment shape seen on the wire.
// Stored messages discriminate on kind (url_citation, file_citation,
// document, file); agent replies use contentType/content/name. Older
// documents carry the discriminator in type.
type WireAttachment struct {
	Type        string          `json:"type,omitempty"`
	Kind        string          `json:"kind,omitempty"`
	ContentType string          `json:"contentType,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	Name        string          `json:"name,omitempty"`
	Title       string          `json:"title,omitempty"`
	Text        string          `json:"text,omitempty"`
	URL         string          `json:"url,omitempty"`
	FileID      string          `json:"fileId,omitempty"`
	Quote       string          `json:"quote,omitempty"`
	URI         string          `json:"uri,omitempty"`
	MIME        string          `json:"mime,omitempty"`
}

const (
	wireURLCitation  = "url_citation"
	wireFileCitation = "file_citation"
	wireDocument     = "document"
	wireFile         = "file"
)

// EncodeMessage builds the stored-message document for m.
func EncodeMessage(m chat.Message, sessionID string) WireMessage {
	role, sender := "user", "user"
	if m.Sender == chat.SenderAgent {
		role, sender = "assistant", "bot"
	}
	ts := m.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	stamp := ts.UTC().Format(time.RFC3339Nano)
	w := WireMessage{
		ID:             m.ServerID,
		Type:           "message",
		SessionID:      sessionID,
		Role:           role,
		Sender:         sender,
		Content:        m.Text,
		Text:           m.Text,
		CreatedAt:      stamp,
		Timestamp:      stamp,
		IdempotencyKey: m.IdempotencyKey,
		Feedback:       string(m.Feedback),
		Fallback:       m.Fallback,
		Suggestions:    m.Suggestions,
	}
	for _, a := range m.Attachments {
		w.Attachments = append(w.Attachments, EncodeAttachment(a))
	}
	return w
}

// Message converts a stored document into a transcript entry. Entries without
// an id or a recognisable sender come back with empty ServerID or Sender and
// are dropped by the transcript merge.
func (w WireMessage) Message() chat.Message {
	m := chat.Message{
		ServerID:       firstNonEmpty(w.ID, w.MessageID),
		IdempotencyKey: w.IdempotencyKey,
		Text:           firstNonEmpty(w.Content, w.Text),
		Sender:         decodeSender(firstNonEmpty(w.Role, w.Sender)),
		CreatedAt:      parseTime(firstNonEmpty(w.CreatedAt, w.Timestamp)),
		Fallback:       w.Fallback,
		Suggestions:    w.Suggestions,
	}
	switch chat.Feedback(w.Feedback) {
	case chat.FeedbackPositive, chat.FeedbackNegative:
		m.Feedback = chat.Feedback(w.Feedback)
	}
	for _, wa := range w.Attachments {
		if a, ok := wa.Attachment(); ok {
			m.Attachments = append(m.Attachments, a)
		}
	}
	return m
}

// DecodeTranscript parses a stored transcript. It accepts a bare array or an
// object carrying a "messages" array.
func DecodeTranscript(raw []byte) ([]chat.Message, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var docs []WireMessage
	if strings.HasPrefix(trimmed, "{") {
		var wrapper struct {
			Messages []WireMessage `json:"messages"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return nil, fmt.Errorf("decode transcript: %w", err)
		}
		docs = wrapper.Messages
	} else if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	out := make([]chat.Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Message())
	}
	return out, nil
}

// EncodeAttachment maps an attachment variant onto its wire shape. Adaptive
// cards travel as documents with the card MIME type.
func EncodeAttachment(a chat.Attachment) WireAttachment {
	switch v := a.(type) {
	case chat.AdaptiveCard:
		return WireAttachment{
			Kind:  wireDocument,
			URI:   dataURI(chat.AdaptiveCardMIME, v.Content),
			MIME:  chat.AdaptiveCardMIME,
			Title: v.Name,
		}
	case chat.URLCitation:
		return WireAttachment{Kind: wireURLCitation, URL: v.URL, Title: v.Title, Name: v.Title, Text: v.Title}
	case chat.FileCitation:
		return WireAttachment{Kind: wireFileCitation, FileID: v.FileID, Quote: v.Quote, Name: v.Name, Text: v.Quote}
	case chat.Raw:
		mime := v.MIME
		if mime == "" {
			mime = "application/octet-stream"
		}
		return WireAttachment{Kind: wireFile, URI: dataURI(mime, v.Content), MIME: mime, Title: v.Title}
	}
	return WireAttachment{}
}

func dataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Attachment maps a wire shape back onto a variant. Unknown shapes are skipped.
func (w WireAttachment) Attachment() (chat.Attachment, bool) {
	switch firstNonEmpty(w.Kind, w.Type) {
	case wireURLCitation:
		return chat.URLCitation{URL: w.URL, Title: firstNonEmpty(w.Title, w.Name, w.Text)}, w.URL != ""
	case wireFileCitation:
		return chat.FileCitation{FileID: w.FileID, Quote: firstNonEmpty(w.Quote, w.Text), Name: w.Name}, w.FileID != ""
	}
	if strings.EqualFold(w.ContentType, chat.AdaptiveCardMIME) {
		return chat.AdaptiveCard{Name: w.Name, Content: w.Content}, len(w.Content) > 0
	}
	if w.URI != "" {
		mime, data := decodeDataURI(w.URI)
		mime = firstNonEmpty(w.MIME, mime)
		switch {
		case data == nil:
			// Plain links stay links.
			return chat.URLCitation{URL: w.URI, Title: w.Title}, true
		case strings.EqualFold(mime, chat.AdaptiveCardMIME):
			return chat.AdaptiveCard{Name: w.Title, Content: json.RawMessage(data)}, true
		}
		return chat.Raw{Title: w.Title, MIME: mime, Content: data}, true
	}
	if w.ContentType != "" {
		content := []byte(w.Content)
		var s string
		if json.Unmarshal(w.Content, &s) == nil {
			content = []byte(s)
		}
		return chat.Raw{Title: w.Name, MIME: w.ContentType, Content: content}, true
	}
	return nil, false
}

func decodeDataURI(uri string) (string, []byte) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return mime, []byte(payload)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil
	}
	return mime, data
}

func decodeSender(s string) chat.Sender {
	switch strings.ToLower(s) {
	case "user":
		return chat.SenderUser
	case "agent", "assistant", "bot":
		return chat.SenderAgent
	}
	return ""
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
