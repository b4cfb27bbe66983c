package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lhdbsbz/convsync/internal/chat"
)

func TestDecodeTranscriptAcceptsLegacyFields(t *testing.T) {
	raw := []byte(`[
		{"id":"M1","role":"user","content":"hello","createdAt":"2026-01-02T03:04:05Z"},
		{"messageId":"M2","sender":"bot","text":"hi there","timestamp":"2026-01-02T03:04:06Z","feedback":"positive"},
		{"role":"assistant","content":"no id"},
		{"id":"M3","role":"tool","content":"unknown sender"}
	]`)
	msgs, err := DecodeTranscript(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("len = %d, want 4", len(msgs))
	}
	if msgs[0].ServerID != "M1" || msgs[0].Sender != chat.SenderUser || msgs[0].Text != "hello" {
		t.Fatalf("msg 0 = %+v", msgs[0])
	}
	if msgs[1].ServerID != "M2" || msgs[1].Sender != chat.SenderAgent || msgs[1].Text != "hi there" {
		t.Fatalf("msg 1 = %+v", msgs[1])
	}
	if msgs[1].Feedback != chat.FeedbackPositive {
		t.Fatalf("feedback = %q", msgs[1].Feedback)
	}
	if msgs[2].ServerID != "" || msgs[3].Sender != "" {
		t.Fatal("invalid entries should decode with empty identity")
	}
}

func TestDecodeTranscriptWrappedAndEmpty(t *testing.T) {
	msgs, err := DecodeTranscript([]byte(`{"messages":[{"id":"M1","role":"user","content":"x"}]}`))
	if err != nil || len(msgs) != 1 {
		t.Fatalf("wrapped: %v %v", msgs, err)
	}
	msgs, err = DecodeTranscript([]byte("null"))
	if err != nil || msgs != nil {
		t.Fatalf("null: %v %v", msgs, err)
	}
	if _, err := DecodeTranscript([]byte(`"nope"`)); err == nil {
		t.Fatal("expected error for a non-array transcript")
	}
}

func TestAttachmentWireShapes(t *testing.T) {
	in := []chat.Attachment{
		chat.AdaptiveCard{Name: "approve", Content: json.RawMessage(`{"type":"AdaptiveCard"}`)},
		chat.URLCitation{URL: "https://example.com/q4", Title: "Q4 report"},
		chat.FileCitation{FileID: "f1", Quote: "revenue grew", Name: "q4.pdf"},
		chat.Raw{Title: "data", MIME: "text/csv", Content: []byte("a,b\n1,2\n")},
	}
	m := chat.AgentMessage("see attachments", in...)
	m.CreatedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	w := EncodeMessage(m, "S1")
	if w.Content != w.Text || w.Role != "assistant" || w.Sender != "bot" || w.CreatedAt != w.Timestamp {
		t.Fatalf("redundant fields not filled: %+v", w)
	}

	b, err := json.Marshal(w)
	if err != nil {
		t.Fatal(err)
	}
	var back WireMessage
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	got := back.Message()
	if len(got.Attachments) != len(in) {
		t.Fatalf("attachments = %d, want %d", len(got.Attachments), len(in))
	}
	for i := range in {
		if got.Attachments[i].Kind() != in[i].Kind() {
			t.Fatalf("attachment %d kind = %s, want %s", i, got.Attachments[i].Kind(), in[i].Kind())
		}
	}
	raw := got.Attachments[3].(chat.Raw)
	if string(raw.Content) != "a,b\n1,2\n" || raw.MIME != "text/csv" {
		t.Fatalf("raw = %+v", raw)
	}
}

func TestAgentReplyAttachmentsByContentType(t *testing.T) {
	b := replyBody{Text: "card", Attachments: []WireAttachment{
		{ContentType: chat.AdaptiveCardMIME, Content: json.RawMessage(`{"body":[]}`)},
		{ContentType: "text/plain", Content: json.RawMessage(`"note"`), Name: "n"},
		{},
	}}
	r := b.reply()
	if r.Text != "card" || len(r.Attachments) != 2 {
		t.Fatalf("reply = %+v", r)
	}
	if _, ok := r.Attachments[0].(chat.AdaptiveCard); !ok {
		t.Fatalf("first attachment = %T", r.Attachments[0])
	}
	if raw := r.Attachments[1].(chat.Raw); string(raw.Content) != "note" {
		t.Fatalf("raw content = %q", raw.Content)
	}
}

func TestCreateSessionStatusMapping(t *testing.T) {
	for _, status := range []int{http.StatusServiceUnavailable, http.StatusBadGateway} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", status)
		}))
		c := NewAgentClient(srv.URL, "", time.Second)
		_, err := c.CreateSession(context.Background(), "agent")
		srv.Close()

		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != status {
			t.Fatalf("status %d: err = %v", status, err)
		}
		if status == http.StatusServiceUnavailable && !apiErr.IsNotConfigured() {
			t.Fatal("503 should be not-configured")
		}
		if status == http.StatusBadGateway && !apiErr.IsUpstreamDown() {
			t.Fatal("502 should be upstream-down")
		}
	}
}

func TestCreateSessionDefaultsExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`{"conversationId":"C1","userId":"u1","userName":"Ada","welcomeMessage":"Hello!"}`))
	}))
	defer srv.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewAgentClient(srv.URL, "tok", time.Second)
	c.SetClock(func() time.Time { return now })
	sess, err := c.CreateSession(context.Background(), "sales")
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID != "C1" || sess.AgentID != "sales" || sess.WelcomeMessage != "Hello!" {
		t.Fatalf("session = %+v", sess)
	}
	if !sess.ExpiresAt.Equal(now.Add(DefaultSessionTTL)) {
		t.Fatalf("expiresAt = %v", sess.ExpiresAt)
	}
}

func TestAppendMessageSendsIdempotencyKey(t *testing.T) {
	var gotKey string
	var gotBody WireMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/conversations/X1/messages" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"messageId":"M100"}`))
	}))
	defer srv.Close()

	c := NewStoreClient(srv.URL, "", time.Second)
	m := chat.UserMessage("Show Q4 revenue")
	m.IdempotencyKey = "key-1"
	id, err := c.AppendMessage(context.Background(), "X1", "S1", m)
	if err != nil {
		t.Fatal(err)
	}
	if id != "M100" || gotKey != "key-1" || gotBody.IdempotencyKey != "key-1" {
		t.Fatalf("id=%s key=%s body=%+v", id, gotKey, gotBody)
	}
	if gotBody.Content != "Show Q4 revenue" || gotBody.SessionID != "S1" || gotBody.Type != "message" {
		t.Fatalf("body = %+v", gotBody)
	}
}

func TestSetFeedbackClearsWithNull(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewStoreClient(srv.URL, "", time.Second)
	if err := c.SetFeedback(context.Background(), "X1", "M1", chat.FeedbackNone); err != nil {
		t.Fatal(err)
	}
	if v, ok := body["feedback"]; !ok || v != nil {
		t.Fatalf("feedback body = %v", body)
	}
}
