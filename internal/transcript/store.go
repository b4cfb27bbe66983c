package transcript

import (
	"fmt"
	"sync"
	"time"

	"github.com/lhdbsbz/convsync/internal/chat"
)

// Store is the ordered, in-memory message sequence of one conversation.
// A Store is discarded as a whole on conversation switch or reset; it is
// never cleared element-wise.
type Store struct {
	mu       sync.RWMutex
	messages []chat.Message
	newID    func() string
	now      func() time.Time
	onChange func()
}

type Option func(*Store)

// WithIDGenerator overrides local id generation (tests).
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithClock overrides the creation timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// OnChange registers a callback run after every mutation, outside the store lock.
func OnChange(fn func()) Option {
	return func(s *Store) { s.onChange = fn }
}

func New(opts ...Option) *Store {
	s := &Store{
		newID: NewLocalID,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append inserts msg at the tail as pending and returns its fresh local id.
func (s *Store) Append(msg chat.Message) string {
	s.mu.Lock()
	msg = msg.Clone()
	msg.LocalID = s.newID()
	msg.ServerID = ""
	msg.State = chat.StatePending
	msg.Ephemeral = false
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.IdempotencyKey == "" {
		msg.IdempotencyKey = NewIdempotencyKey()
	}
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	s.changed()
	return msg.LocalID
}

// SeedWelcome appends text as the sole initial agent message, only when the
// transcript is empty. The welcome message is local-only and never persisted.
func (s *Store) SeedWelcome(text string) bool {
	if text == "" {
		return false
	}
	s.mu.Lock()
	if len(s.messages) > 0 {
		s.mu.Unlock()
		return false
	}
	s.messages = append(s.messages, chat.Message{
		LocalID:   s.newID(),
		Text:      text,
		Sender:    chat.SenderAgent,
		CreatedAt: s.now(),
		State:     chat.StateConfirmed,
		Ephemeral: true,
	})
	s.mu.Unlock()

	s.changed()
	return true
}

// MarkConfirmed assigns the server id exactly once and moves pending → confirmed.
func (s *Store) MarkConfirmed(localID, serverID string) error {
	if serverID == "" {
		return fmt.Errorf("confirm %s: empty server id", localID)
	}
	return s.update(localID, func(m *chat.Message) error {
		if m.ServerID != "" {
			return fmt.Errorf("confirm %s as %s (has %s): %w", localID, serverID, m.ServerID, chat.ErrAlreadyConfirmed)
		}
		if m.State != chat.StatePending || m.Ephemeral {
			return fmt.Errorf("confirm %s from %s: %w", localID, m.State, chat.ErrInvalidTransition)
		}
		m.ServerID = serverID
		m.State = chat.StateConfirmed
		return nil
	})
}

// MarkFailed moves pending → failed. The message stays in the transcript.
func (s *Store) MarkFailed(localID string) error {
	return s.transition(localID, chat.StatePending, chat.StateFailed)
}

// MarkPending moves failed → pending ahead of a retry.
func (s *Store) MarkPending(localID string) error {
	return s.transition(localID, chat.StateFailed, chat.StatePending)
}

func (s *Store) transition(localID string, from, to chat.DeliveryState) error {
	return s.update(localID, func(m *chat.Message) error {
		if m.State != from {
			return fmt.Errorf("%s: %s → %s: %w", localID, m.State, to, chat.ErrInvalidTransition)
		}
		m.State = to
		return nil
	})
}

// SetFeedback toggles feedback on an agent message and returns the new value.
// Selecting the value already set clears it.
func (s *Store) SetFeedback(localID string, v chat.Feedback) (chat.Feedback, error) {
	var out chat.Feedback
	err := s.update(localID, func(m *chat.Message) error {
		if m.Sender != chat.SenderAgent {
			return chat.ErrNotAgentMessage
		}
		m.Feedback = m.Feedback.Toggle(v)
		out = m.Feedback
		return nil
	})
	return out, err
}

// ApplyFeedback sets feedback to an absolute value acknowledged by the store.
func (s *Store) ApplyFeedback(localID string, v chat.Feedback) error {
	return s.update(localID, func(m *chat.Message) error {
		if m.Sender != chat.SenderAgent {
			return chat.ErrNotAgentMessage
		}
		m.Feedback = v
		return nil
	})
}

func (s *Store) update(localID string, fn func(*chat.Message) error) error {
	s.mu.Lock()
	i := s.indexLocked(localID)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", localID, chat.ErrUnknownMessage)
	}
	err := fn(&s.messages[i])
	s.mu.Unlock()

	if err == nil {
		s.changed()
	}
	return err
}

// Get returns a copy of the message with localID.
func (s *Store) Get(localID string) (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexLocked(localID)
	if i < 0 {
		return chat.Message{}, false
	}
	return s.messages[i].Clone(), true
}

// Messages returns a copy of the transcript in display order.
func (s *Store) Messages() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// OnlyWelcome reports whether the transcript holds nothing but the welcome message (or nothing).
func (s *Store) OnlyWelcome() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if !m.Ephemeral {
			return false
		}
	}
	return true
}

func (s *Store) indexLocked(localID string) int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].LocalID == localID {
			return i
		}
	}
	return -1
}

func (s *Store) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
