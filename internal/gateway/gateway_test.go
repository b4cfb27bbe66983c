package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/lhdbsbz/convsync/internal/devserver"
	"github.com/lhdbsbz/convsync/internal/engine"
	"github.com/lhdbsbz/convsync/internal/metrics"
	"github.com/lhdbsbz/convsync/internal/persist"
	"github.com/lhdbsbz/convsync/internal/remote"
	"github.com/lhdbsbz/convsync/internal/session"
)

const testToken = "secret"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestGateway(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dev := devserver.New(devserver.Options{
		Welcome: "Hello!",
		Logger:  quiet,
		Script: func(text string) *devserver.Reply {
			return &devserver.Reply{Text: "echo: " + text}
		},
	})
	backend := httptest.NewServer(dev.Handler())

	m := metrics.New()
	agent := remote.NewAgentClient(backend.URL, "", 5*time.Second)
	store := remote.NewStoreClient(backend.URL, "", 5*time.Second)
	neg := session.NewNegotiator(agent, store, session.WithLogger(quiet))
	pc := persist.New(store, persist.WithLogger(quiet), persist.WithMetrics(m))
	ctl := engine.New(neg, agent, store, pc, engine.Options{AgentRef: "default", Logger: quiet, Metrics: m})
	if err := ctl.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	gw := NewServer(Options{Token: testToken, Metrics: m, Logger: quiet}, ctl, engine.NewDispatcher(ctl))
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctl.Close()
		backend.Close()
		dev.Close()
	})
	return srv
}

func apiRequest(t *testing.T, srv *httptest.Server, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestAPIRequiresToken(t *testing.T) {
	srv := newTestGateway(t)
	status, _ := apiRequest(t, srv, http.MethodGet, "/api/transcript", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
	status, _ = apiRequest(t, srv, http.MethodGet, "/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("health status = %d", status)
	}
}

func TestAPIChatSend(t *testing.T) {
	srv := newTestGateway(t)
	status, res := apiRequest(t, srv, http.MethodPost, "/api/chat/send", testToken, ChatSendParams{Text: "hi there"})
	if status != http.StatusOK {
		t.Fatalf("status = %d body = %v", status, res)
	}
	if res["userLocalId"] == "" || res["fallback"] != false {
		t.Fatalf("unexpected turn result %v", res)
	}

	_, view := apiRequest(t, srv, http.MethodGet, "/api/transcript", testToken, nil)
	msgs, _ := view["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("messages = %v", view["messages"])
	}
	last := msgs[2].(map[string]any)
	if last["text"] != "echo: hi there" {
		t.Errorf("reply = %v", last["text"])
	}
	if view["conversationId"] == "" || view["title"] != "hi there" {
		t.Errorf("view = %v", view)
	}
}

func TestAPIRejectsEmptyText(t *testing.T) {
	srv := newTestGateway(t)
	status, res := apiRequest(t, srv, http.MethodPost, "/api/chat/send", testToken, ChatSendParams{Text: "  "})
	if status != http.StatusBadRequest || res["code"] != "INVALID_PARAMS" {
		t.Fatalf("status = %d body = %v", status, res)
	}
}

func TestAPINewConversationTokenOnce(t *testing.T) {
	srv := newTestGateway(t)
	apiRequest(t, srv, http.MethodPost, "/api/chat/send", testToken, ChatSendParams{Text: "first"})

	_, first := apiRequest(t, srv, http.MethodPost, "/api/conversations/new", testToken, NewConversationParams{Token: "tok-1"})
	_, second := apiRequest(t, srv, http.MethodPost, "/api/conversations/new", testToken, NewConversationParams{Token: "tok-1"})
	if first["reset"] != true || second["reset"] != false {
		t.Fatalf("first = %v second = %v", first, second)
	}
	_, view := apiRequest(t, srv, http.MethodGet, "/api/transcript", testToken, nil)
	if msgs, _ := view["messages"].([]any); len(msgs) != 1 {
		t.Fatalf("after reset messages = %v", view["messages"])
	}
}

func TestAPIListAndOpen(t *testing.T) {
	srv := newTestGateway(t)
	apiRequest(t, srv, http.MethodPost, "/api/chat/send", testToken, ChatSendParams{Text: "remember me"})
	_, view := apiRequest(t, srv, http.MethodGet, "/api/transcript", testToken, nil)
	convID, _ := view["conversationId"].(string)

	apiRequest(t, srv, http.MethodPost, "/api/conversations/new", testToken, NewConversationParams{Token: "tok-2"})

	status, opened := apiRequest(t, srv, http.MethodPost, "/api/conversations/"+convID+"/open", testToken, nil)
	if status != http.StatusOK || opened["conversationId"] != convID {
		t.Fatalf("open status = %d view = %v", status, opened)
	}
	msgs, _ := opened["messages"].([]any)
	found := false
	for _, m := range msgs {
		if m.(map[string]any)["text"] == "remember me" {
			found = true
		}
	}
	if !found {
		t.Fatalf("opened messages = %v", msgs)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestGateway(t)
	apiRequest(t, srv, http.MethodPost, "/api/chat/send", testToken, ChatSendParams{Text: "count me"})
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "convsync_persist_attempts_total") {
		t.Fatalf("metrics output missing persist counter:\n%s", body)
	}
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func request(t *testing.T, ws *websocket.Conn, id, method string, params any) {
	t.Helper()
	raw, _ := json.Marshal(params)
	if err := ws.WriteJSON(Frame{Type: "req", ID: id, Method: method, Params: raw}); err != nil {
		t.Fatal(err)
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	srv := newTestGateway(t)
	ws := dialWS(t, srv)
	request(t, ws, "c", "connect", ConnectParams{Token: "wrong"})
	f, err := ReadFrame(ws)
	if err != nil {
		t.Fatal(err)
	}
	if f.OK == nil || *f.OK || f.Error.Code != "AUTH_FAILED" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestWebSocketSendBroadcastsTranscript(t *testing.T) {
	srv := newTestGateway(t)
	ws := dialWS(t, srv)
	request(t, ws, "c", "connect", ConnectParams{Token: testToken})
	hello, err := ReadFrame(ws)
	if err != nil || hello.OK == nil || !*hello.OK {
		t.Fatalf("connect: %+v %v", hello, err)
	}

	request(t, ws, "1", MethodChatSend, ChatSendParams{Text: "ping"})
	var gotRes, gotEvent bool
	for !gotRes || !gotEvent {
		f, err := ReadFrame(ws)
		if err != nil {
			t.Fatalf("read: %v (res=%v event=%v)", err, gotRes, gotEvent)
		}
		switch {
		case f.Type == "res" && f.ID == "1":
			if f.OK == nil || !*f.OK {
				t.Fatalf("chat.send failed: %+v", f.Error)
			}
			gotRes = true
		case f.Type == "event" && f.Event == EventTranscript:
			var v engine.View
			if err := json.Unmarshal(f.Payload, &v); err != nil {
				t.Fatal(err)
			}
			gotEvent = true
		}
	}

	request(t, ws, "2", "no.such.method", nil)
	for {
		f, err := ReadFrame(ws)
		if err != nil {
			t.Fatal(err)
		}
		if f.Type == "res" && f.ID == "2" {
			if f.Error == nil || f.Error.Code != "UNKNOWN_METHOD" {
				t.Fatalf("frame = %+v", f)
			}
			return
		}
	}
}

func TestAPIOpenUnknownConversation(t *testing.T) {
	srv := newTestGateway(t)
	status, res := apiRequest(t, srv, http.MethodPost, "/api/conversations/conv_missing/open", testToken, nil)
	if status != http.StatusNotFound || res["code"] != "NOT_FOUND" {
		t.Fatalf("status = %d body = %v", status, res)
	}
	_, view := apiRequest(t, srv, http.MethodGet, "/api/transcript", testToken, nil)
	if view["state"] != "active" {
		t.Fatalf("state after failed open = %v, want active", view["state"])
	}
}
