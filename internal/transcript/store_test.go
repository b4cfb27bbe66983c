package transcript

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lhdbsbz/convsync/internal/chat"
)

func seqIDs() Option {
	n := 0
	return WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("L%d", n)
	})
}

func TestAppendAssignsPendingAndPreservesOrder(t *testing.T) {
	s := New(seqIDs())
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, s.Append(chat.UserMessage(fmt.Sprintf("msg %d", i))))
	}
	msgs := s.Messages()
	if len(msgs) != 5 {
		t.Fatalf("len = %d, want 5", len(msgs))
	}
	for i, m := range msgs {
		if m.LocalID != ids[i] || m.Text != fmt.Sprintf("msg %d", i) {
			t.Fatalf("message %d = %+v, want id %s", i, m, ids[i])
		}
		if m.State != chat.StatePending {
			t.Fatalf("message %d state = %s, want pending", i, m.State)
		}
		if m.IdempotencyKey == "" {
			t.Fatalf("message %d has no idempotency key", i)
		}
	}
}

func TestSeedWelcomeOnlyWhenEmpty(t *testing.T) {
	s := New(seqIDs())
	if !s.SeedWelcome("Hello!") {
		t.Fatal("first seed should apply")
	}
	if s.SeedWelcome("Hello!") {
		t.Fatal("second seed must not duplicate the welcome message")
	}
	msgs := s.Messages()
	if len(msgs) != 1 || !msgs[0].Ephemeral || msgs[0].Sender != chat.SenderAgent {
		t.Fatalf("welcome = %+v", msgs)
	}
	if !s.OnlyWelcome() {
		t.Fatal("OnlyWelcome should be true")
	}
	s.Append(chat.UserMessage("hi"))
	if s.OnlyWelcome() {
		t.Fatal("OnlyWelcome should be false after a user message")
	}
}

func TestMarkConfirmedExactlyOnce(t *testing.T) {
	s := New(seqIDs())
	id := s.Append(chat.UserMessage("hi"))
	if err := s.MarkConfirmed(id, "M100"); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	err := s.MarkConfirmed(id, "M999")
	if !errors.Is(err, chat.ErrAlreadyConfirmed) {
		t.Fatalf("second confirm err = %v, want ErrAlreadyConfirmed", err)
	}
	m, _ := s.Get(id)
	if m.ServerID != "M100" || m.State != chat.StateConfirmed {
		t.Fatalf("message = %+v, want confirmed M100", m)
	}
}

func TestDeliveryStateTransitions(t *testing.T) {
	s := New(seqIDs())
	id := s.Append(chat.UserMessage("hi"))

	if err := s.MarkPending(id); !errors.Is(err, chat.ErrInvalidTransition) {
		t.Fatalf("pending → pending err = %v", err)
	}
	if err := s.MarkFailed(id); err != nil {
		t.Fatalf("pending → failed: %v", err)
	}
	if err := s.MarkConfirmed(id, "M1"); !errors.Is(err, chat.ErrInvalidTransition) {
		t.Fatalf("failed → confirmed err = %v", err)
	}
	if err := s.MarkPending(id); err != nil {
		t.Fatalf("failed → pending: %v", err)
	}
	if err := s.MarkConfirmed(id, "M1"); err != nil {
		t.Fatalf("pending → confirmed: %v", err)
	}
	if err := s.MarkFailed(id); !errors.Is(err, chat.ErrInvalidTransition) {
		t.Fatalf("confirmed is terminal, got %v", err)
	}
	if err := s.MarkFailed("nope"); !errors.Is(err, chat.ErrUnknownMessage) {
		t.Fatalf("unknown id err = %v", err)
	}
}

func TestSetFeedbackTriState(t *testing.T) {
	s := New(seqIDs())
	user := s.Append(chat.UserMessage("q"))
	agent := s.Append(chat.AgentMessage("a"))

	if _, err := s.SetFeedback(user, chat.FeedbackPositive); !errors.Is(err, chat.ErrNotAgentMessage) {
		t.Fatalf("feedback on user message err = %v", err)
	}
	steps := []struct {
		in, want chat.Feedback
	}{
		{chat.FeedbackPositive, chat.FeedbackPositive},
		{chat.FeedbackPositive, chat.FeedbackNone},
		{chat.FeedbackNegative, chat.FeedbackNegative},
		{chat.FeedbackPositive, chat.FeedbackPositive},
	}
	for i, st := range steps {
		got, err := s.SetFeedback(agent, st.in)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got != st.want {
			t.Fatalf("step %d: feedback = %q, want %q", i, got, st.want)
		}
	}
}

func TestOnChangeFires(t *testing.T) {
	calls := 0
	s := New(seqIDs(), OnChange(func() { calls++ }))
	id := s.Append(chat.UserMessage("hi"))
	_ = s.MarkConfirmed(id, "M1")
	_ = s.MarkConfirmed(id, "M2") // rejected, no notification
	if calls != 2 {
		t.Fatalf("onChange calls = %d, want 2", calls)
	}
}
