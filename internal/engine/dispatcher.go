package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lhdbsbz/convsync/internal/chat"
	"github.com/lhdbsbz/convsync/internal/remote"
)

// Dispatcher turns externally triggered events (card submissions, ratings)
// into transcript mutations that follow the same durability rules as turns.
type Dispatcher struct {
	c *Controller
}

func NewDispatcher(c *Controller) *Dispatcher { return &Dispatcher{c: c} }

// SubmitCardAction runs a card action as a turn: a synthetic user message
// describing the action, the agent's action endpoint, then the reply. A second
// action while one is in flight fails with chat.ErrTurnInFlight.
func (d *Dispatcher) SubmitCardAction(ctx context.Context, action string, data json.RawMessage) (*TurnResult, error) {
	payload, err := actionData(action, data)
	if err != nil {
		return nil, err
	}
	label := action
	if label == "" {
		label = "submitted"
	}
	return d.c.runTurn(ctx, turnSpec{
		kind:     "card",
		userText: "Card action: " + label,
		title:    "Card action: " + label,
		call: func(ctx context.Context, sess *chat.Session) (*remote.Reply, error) {
			return d.c.agent.SendCardAction(ctx, sess, payload)
		},
		emptyText:    fmt.Sprintf("Card action '%s' processed.", label),
		fallbackText: fallbackCardReply,
	})
}

// actionData merges the action name into the card's submitted values.
func actionData(action string, data json.RawMessage) (json.RawMessage, error) {
	values := map[string]any{}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("card action data must be a JSON object: %w", err)
		}
	}
	if _, ok := values["action"]; !ok && action != "" {
		values["action"] = action
	}
	return json.Marshal(values)
}

// SubmitFeedback toggles the rating on an agent message. The store is told
// first; local state changes only after it acknowledges. Submissions are
// serialized, so a repeated click toggles the value the previous one
// applied. Without a bound conversation this is a no-op returning the
// current value.
func (d *Dispatcher) SubmitFeedback(ctx context.Context, localID string, v chat.Feedback) (chat.Feedback, error) {
	c := d.c
	c.feedbackMu.Lock()
	defer c.feedbackMu.Unlock()

	c.mu.Lock()
	convID, store, gen := c.conversationID, c.store, c.generation
	c.mu.Unlock()

	m, ok := store.Get(localID)
	if !ok {
		return chat.FeedbackNone, fmt.Errorf("feedback %s: %w", localID, chat.ErrUnknownMessage)
	}
	if convID == "" {
		return m.Feedback, nil
	}
	if m.Sender != chat.SenderAgent {
		return m.Feedback, chat.ErrNotAgentMessage
	}
	if m.ServerID == "" {
		return m.Feedback, fmt.Errorf("feedback %s: %w", localID, chat.ErrNotPersisted)
	}

	next := m.Feedback.Toggle(v)
	if err := c.records.SetFeedback(ctx, convID, m.ServerID, next); err != nil {
		return m.Feedback, fmt.Errorf("feedback %s: %w", localID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return next, chat.ErrStaleCompletion
	}
	if err := store.ApplyFeedback(localID, next); err != nil {
		return m.Feedback, err
	}
	return next, nil
}
