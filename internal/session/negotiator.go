// Package session acquires and restores the live binding between a
// conversation and its remote agent thread.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lhdbsbz/convsync/internal/chat"
	"github.com/lhdbsbz/convsync/internal/metrics"
	"github.com/lhdbsbz/convsync/internal/remote"
	"github.com/lhdbsbz/convsync/internal/transcript"
)

// SessionSource mints new agent sessions.
type SessionSource interface {
	CreateSession(ctx context.Context, agentRef string) (*chat.Session, error)
}

// RecordSource loads stored conversation records.
type RecordSource interface {
	GetConversation(ctx context.Context, id string) (*remote.Conversation, error)
}

// Negotiator obtains sessions from the agent service and restores stored ones.
type Negotiator struct {
	agent   SessionSource
	records RecordSource
	group   singleflight.Group
	now     func() time.Time
	log     *slog.Logger
	metrics *metrics.Engine
}

type Option func(*Negotiator)

func WithClock(now func() time.Time) Option { return func(n *Negotiator) { n.now = now } }

func WithLogger(l *slog.Logger) Option { return func(n *Negotiator) { n.log = l } }

func WithMetrics(m *metrics.Engine) Option { return func(n *Negotiator) { n.metrics = m } }

func NewNegotiator(agent SessionSource, records RecordSource, opts ...Option) *Negotiator {
	n := &Negotiator{
		agent:   agent,
		records: records,
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Acquire requests a new session for agentRef. Concurrent calls for the same
// agentRef share one request; each caller still stops waiting when its own
// ctx ends, and the shared request outlives any single caller.
func (n *Negotiator) Acquire(ctx context.Context, agentRef string) (*chat.Session, error) {
	ch := n.group.DoChan(agentRef, func() (any, error) {
		return n.agent.CreateSession(context.WithoutCancel(ctx), agentRef)
	})
	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		n.metrics.Session("acquire", "canceled")
		return nil, ctx.Err()
	}
	v, err, shared := r.Val, r.Err, r.Shared
	if err != nil {
		n.metrics.Session("acquire", "error")
		n.log.Warn("session acquisition failed", "agent", agentRef, "error", err)
		return nil, classify(err)
	}
	n.metrics.Session("acquire", "ok")
	sess := *v.(*chat.Session)
	n.log.Info("session acquired", "agent", agentRef, "session", sess.ID, "shared", shared)
	return &sess, nil
}

func classify(err error) error {
	var apiErr *remote.APIError
	if !errors.As(err, &apiErr) {
		return &chat.SessionError{Err: err}
	}
	switch {
	case apiErr.IsNotConfigured():
		return fmt.Errorf("%w: %s", chat.ErrSessionUnavailable, apiErr.Body)
	case apiErr.IsUpstreamDown():
		return fmt.Errorf("%w: %s", chat.ErrSessionUnreachable, apiErr.Body)
	}
	return &chat.SessionError{Status: apiErr.StatusCode, Err: apiErr}
}

// ResumeRequest names the stored conversation to restore. Record may carry an
// already loaded copy so it is not fetched twice.
type ResumeRequest struct {
	ConversationID string
	AgentRef       string
	Record         *remote.Conversation
}

// ResumeResult is a restored conversation and the session now bound to it.
type ResumeResult struct {
	Session  *chat.Session
	Record   *remote.Conversation
	Restored bool // the stored session was reused without onboarding
}

// Resume reconstructs the session stored with a conversation record. When the
// record has no session data, or it has expired, a new session is acquired.
func (n *Negotiator) Resume(ctx context.Context, req ResumeRequest) (*ResumeResult, error) {
	rec := req.Record
	if rec == nil {
		var err error
		rec, err = n.records.GetConversation(ctx, req.ConversationID)
		if err != nil {
			n.metrics.Session("resume", "error")
			return nil, fmt.Errorf("load conversation %s: %w", req.ConversationID, err)
		}
	}

	if s := rec.Session; s != nil && s.ID != "" && !s.Expired(n.now()) {
		n.metrics.Session("resume", "restored")
		sess := *s
		if sess.AgentID == "" {
			sess.AgentID = req.AgentRef
		}
		return &ResumeResult{Session: &sess, Record: rec, Restored: true}, nil
	}

	agentRef := req.AgentRef
	if rec.Session != nil && rec.Session.AgentID != "" {
		agentRef = rec.Session.AgentID
	}
	n.log.Info("no usable stored session, acquiring", "conversation", req.ConversationID)
	sess, err := n.Acquire(ctx, agentRef)
	if err != nil {
		return nil, err
	}
	n.metrics.Session("resume", "acquired")
	return &ResumeResult{Session: sess, Record: rec}, nil
}

// SeedWelcome appends the session's welcome text to an empty transcript.
func (n *Negotiator) SeedWelcome(store *transcript.Store, sess *chat.Session) bool {
	if sess == nil {
		return false
	}
	return store.SeedWelcome(sess.WelcomeMessage)
}
