package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lhdbsbz/convsync/internal/chat"
	"github.com/lhdbsbz/convsync/internal/remote"
	"github.com/lhdbsbz/convsync/internal/transcript"
)

type fakeAgent struct {
	calls atomic.Int32
	err   error
	gate  chan struct{}
}

func (f *fakeAgent) CreateSession(ctx context.Context, agentRef string) (*chat.Session, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return &chat.Session{ID: "S-new", AgentID: agentRef, WelcomeMessage: "Hello!"}, nil
}

type fakeRecords map[string]*remote.Conversation

func (f fakeRecords) GetConversation(ctx context.Context, id string) (*remote.Conversation, error) {
	rec, ok := f[id]
	if !ok {
		return nil, &remote.APIError{StatusCode: 404, Body: "not found"}
	}
	return rec, nil
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestAcquireErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"not configured", &remote.APIError{StatusCode: 503}, chat.ErrSessionUnavailable},
		{"upstream down", &remote.APIError{StatusCode: 502}, chat.ErrSessionUnreachable},
	}
	for _, tc := range cases {
		n := NewNegotiator(&fakeAgent{err: tc.err}, fakeRecords{}, WithLogger(quiet))
		_, err := n.Acquire(context.Background(), "sales")
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}

	n := NewNegotiator(&fakeAgent{err: &remote.APIError{StatusCode: 500}}, fakeRecords{}, WithLogger(quiet))
	_, err := n.Acquire(context.Background(), "sales")
	var se *chat.SessionError
	if !errors.As(err, &se) || se.Status != 500 {
		t.Fatalf("err = %v, want SessionError 500", err)
	}
}

func TestAcquireCoalescesConcurrentCalls(t *testing.T) {
	agent := &fakeAgent{gate: make(chan struct{})}
	n := NewNegotiator(agent, fakeRecords{}, WithLogger(quiet))

	var wg sync.WaitGroup
	sessions := make([]*chat.Session, 4)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := n.Acquire(context.Background(), "sales")
			if err != nil {
				t.Error(err)
			}
			sessions[i] = s
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(agent.gate)
	wg.Wait()

	if c := agent.calls.Load(); c < 1 || c > 4 {
		t.Fatalf("calls = %d", c)
	}
	for _, s := range sessions {
		if s == nil || s.ID != "S-new" {
			t.Fatalf("session = %+v", s)
		}
	}
	sessions[0].ID = "mutated"
	if sessions[1].ID != "S-new" {
		t.Fatal("callers must not share one session value")
	}
}

func TestResumeRestoresStoredSession(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	agent := &fakeAgent{}
	records := fakeRecords{
		"X1": {ID: "X1", Session: &chat.Session{ID: "S-old", ExpiresAt: now.Add(time.Hour)}},
		"X2": {ID: "X2"},
		"X3": {ID: "X3", Session: &chat.Session{ID: "S-stale", ExpiresAt: now.Add(-time.Minute)}},
	}
	n := NewNegotiator(agent, records, WithLogger(quiet), WithClock(func() time.Time { return now }))

	res, err := n.Resume(context.Background(), ResumeRequest{ConversationID: "X1", AgentRef: "sales"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Restored || res.Session.ID != "S-old" || res.Session.AgentID != "sales" {
		t.Fatalf("X1 = %+v", res.Session)
	}
	if agent.calls.Load() != 0 {
		t.Fatal("stored session should not trigger onboarding")
	}

	for _, id := range []string{"X2", "X3"} {
		res, err := n.Resume(context.Background(), ResumeRequest{ConversationID: id, AgentRef: "sales"})
		if err != nil {
			t.Fatal(err)
		}
		if res.Restored || res.Session.ID != "S-new" {
			t.Fatalf("%s = %+v", id, res)
		}
	}
	if agent.calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", agent.calls.Load())
	}

	if _, err := n.Resume(context.Background(), ResumeRequest{ConversationID: "missing"}); err == nil {
		t.Fatal("expected error for an unknown conversation")
	}
}

func TestSeedWelcomeOnce(t *testing.T) {
	n := NewNegotiator(&fakeAgent{}, fakeRecords{}, WithLogger(quiet))
	store := transcript.New()
	sess := &chat.Session{ID: "S1", WelcomeMessage: "Hello!"}
	n.SeedWelcome(store, sess)
	n.SeedWelcome(store, sess)
	if store.Len() != 1 {
		t.Fatalf("len = %d, want 1", store.Len())
	}
}

func TestAcquireSurvivesFirstCallerCancel(t *testing.T) {
	agent := &fakeAgent{gate: make(chan struct{})}
	n := NewNegotiator(agent, fakeRecords{}, WithLogger(quiet))

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := n.Acquire(first, "sales")
		firstErr <- err
	}()
	for agent.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	second := make(chan *chat.Session, 1)
	go func() {
		s, err := n.Acquire(context.Background(), "sales")
		if err != nil {
			t.Error(err)
		}
		second <- s
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller err = %v, want context.Canceled", err)
	}
	close(agent.gate)
	if s := <-second; s == nil || s.ID != "S-new" {
		t.Fatalf("second caller session = %+v", s)
	}
}
