package transcript

import (
	"github.com/lhdbsbz/convsync/internal/chat"
)

// MergeResult describes the outcome of a Merge.
type MergeResult struct {
	Applied bool // false when the monotonic-growth rule rejected the merge
	Changed bool // the visible transcript differs after an applied merge
	Before  int
	After   int // length of the derived sequence, applied or not
	Dropped int // server entries missing an id or sender
}

// Merge replaces the local sequence with one derived from serverMessages.
//
// The derived sequence is the local welcome head, then every valid server entry
// (always confirmed), then local messages the server does not know yet. Server
// entries keep the local id of the message they confirm, matched by server id or
// idempotency key. A derived sequence shorter than the current one is rejected.
func (s *Store) Merge(serverMessages []chat.Message) MergeResult {
	s.mu.Lock()
	res := MergeResult{Before: len(s.messages)}

	byServerID := make(map[string]int, len(s.messages))
	byKey := make(map[string]int, len(s.messages))
	head := 0
	for i, m := range s.messages {
		if m.Ephemeral && i == head {
			head++
			continue
		}
		if m.ServerID != "" {
			byServerID[m.ServerID] = i
		} else if m.IdempotencyKey != "" {
			byKey[m.IdempotencyKey] = i
		}
	}

	derived := make([]chat.Message, 0, head+len(serverMessages)+len(byKey))
	derived = append(derived, s.messages[:head]...)

	matched := make(map[int]bool, len(s.messages))
	seen := make(map[string]bool, len(serverMessages))
	for _, srv := range serverMessages {
		if srv.ServerID == "" || !srv.Sender.Valid() {
			res.Dropped++
			continue
		}
		if seen[srv.ServerID] {
			continue
		}
		seen[srv.ServerID] = true

		m := srv.Clone()
		m.State = chat.StateConfirmed
		m.Ephemeral = false

		li, ok := byServerID[srv.ServerID]
		if !ok && srv.IdempotencyKey != "" {
			li, ok = byKey[srv.IdempotencyKey]
		}
		if ok && !matched[li] {
			matched[li] = true
			local := s.messages[li]
			m.LocalID = local.LocalID
			if m.CreatedAt.IsZero() {
				m.CreatedAt = local.CreatedAt
			}
			if m.Feedback == chat.FeedbackNone {
				m.Feedback = local.Feedback
			}
			if len(m.Attachments) == 0 {
				m.Attachments = local.Attachments
			}
			if len(m.Suggestions) == 0 {
				m.Suggestions = local.Suggestions
			}
			m.Fallback = m.Fallback || local.Fallback
			if m.IdempotencyKey == "" {
				m.IdempotencyKey = local.IdempotencyKey
			}
		} else {
			m.LocalID = s.newID()
		}
		derived = append(derived, m)
	}

	for i := head; i < len(s.messages); i++ {
		m := s.messages[i]
		if matched[i] || m.ServerID != "" || m.Ephemeral {
			continue
		}
		derived = append(derived, m)
	}

	res.After = len(derived)
	if res.After < res.Before {
		s.mu.Unlock()
		return res
	}
	res.Applied = true
	res.Changed = !sameSequence(s.messages, derived)
	if res.Changed {
		s.messages = derived
	}
	s.mu.Unlock()

	if res.Changed {
		s.changed()
	}
	return res
}

func sameSequence(a, b []chat.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.LocalID != y.LocalID || x.ServerID != y.ServerID || x.Text != y.Text ||
			x.State != y.State || x.Feedback != y.Feedback || len(x.Attachments) != len(y.Attachments) {
			return false
		}
	}
	return true
}
