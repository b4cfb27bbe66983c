// Package persist writes transcript messages to the remote conversation store
// with bounded retries.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lhdbsbz/convsync/internal/chat"
	"github.com/lhdbsbz/convsync/internal/metrics"
	"github.com/lhdbsbz/convsync/internal/remote"
	"github.com/lhdbsbz/convsync/internal/transcript"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = time.Second
)

// Writer stores one message and returns its server id.
type Writer interface {
	AppendMessage(ctx context.Context, conversationID, sessionID string, m chat.Message) (string, error)
}

// Target identifies where a message lives locally and remotely. Current
// reports whether the conversation is still the active one; completions for
// a conversation that is no longer current are not applied.
type Target struct {
	ConversationID string
	SessionID      string
	Store          *transcript.Store
	Current        func() bool
}

func (t Target) stale() bool { return t.Current != nil && !t.Current() }

// SleepFunc waits d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Client persists messages. It holds no conversation state between calls.
type Client struct {
	w         Writer
	attempts  int
	baseDelay time.Duration
	sleep     SleepFunc
	log       *slog.Logger
	metrics   *metrics.Engine
	wg        sync.WaitGroup
}

type Option func(*Client)

// WithRetry sets the attempt count and the delay before the second attempt.
// Each later delay doubles.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if baseDelay >= 0 {
			c.baseDelay = baseDelay
		}
	}
}

// WithSleep replaces the backoff wait (tests record delays instead of sleeping).
func WithSleep(fn SleepFunc) Option { return func(c *Client) { c.sleep = fn } }

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.log = l } }

func WithMetrics(m *metrics.Engine) Option { return func(c *Client) { c.metrics = m } }

func New(w Writer, opts ...Option) *Client {
	c := &Client{
		w:         w,
		attempts:  DefaultAttempts,
		baseDelay: DefaultBaseDelay,
		sleep:     sleepCtx,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delay returns the wait before attempt k (1-based): none, then baseDelay,
// then doubling.
func (c *Client) Delay(k int) time.Duration {
	if k <= 1 {
		return 0
	}
	return c.baseDelay << (k - 2)
}

// Persist writes the message and marks it confirmed, or failed once every
// attempt is exhausted. The message stays in the transcript either way.
func (c *Client) Persist(ctx context.Context, t Target, localID string) (string, error) {
	m, ok := t.Store.Get(localID)
	if !ok {
		return "", fmt.Errorf("persist %s: %w", localID, chat.ErrUnknownMessage)
	}
	if m.ServerID != "" {
		return m.ServerID, nil
	}
	if m.Ephemeral {
		return "", fmt.Errorf("persist %s: local-only message: %w", localID, chat.ErrInvalidTransition)
	}
	if t.ConversationID == "" {
		return "", fmt.Errorf("persist %s: no conversation bound", localID)
	}

	var (
		serverID string
		err      error
	)
	for k := 1; k <= c.attempts; k++ {
		if d := c.Delay(k); d > 0 {
			if serr := c.sleep(ctx, d); serr != nil {
				err = errors.Join(err, serr)
				break
			}
		}
		c.metrics.PersistAttempt(string(m.Sender))
		serverID, err = c.w.AppendMessage(ctx, t.ConversationID, t.SessionID, m)
		if err == nil {
			break
		}
		c.log.Warn("persist attempt failed",
			"conversation", t.ConversationID, "message", localID, "attempt", k, "error", err)
		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}

	if t.stale() {
		c.metrics.PersistOutcome("stale")
		c.log.Info("discarding persist completion for inactive conversation",
			"conversation", t.ConversationID, "message", localID)
		return serverID, chat.ErrStaleCompletion
	}

	if err != nil {
		c.metrics.PersistOutcome("failed")
		if merr := t.Store.MarkFailed(localID); merr != nil {
			c.log.Warn("mark failed", "message", localID, "error", merr)
		}
		return "", fmt.Errorf("persist %s: %w: %w", localID, chat.ErrPersistFailed, err)
	}

	if merr := t.Store.MarkConfirmed(localID, serverID); merr != nil {
		if !errors.Is(merr, chat.ErrAlreadyConfirmed) {
			c.log.Warn("mark confirmed", "message", localID, "serverId", serverID, "error", merr)
		}
	}
	c.metrics.PersistOutcome("confirmed")
	return serverID, nil
}

// PersistAsync runs Persist in the background. done, if set, receives the
// outcome; the ctx passed in should outlive the caller's request.
func (c *Client) PersistAsync(ctx context.Context, t Target, localID string, done func(serverID string, err error)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		id, err := c.Persist(ctx, t, localID)
		if err != nil && !errors.Is(err, chat.ErrStaleCompletion) {
			c.log.Error("background persist failed", "conversation", t.ConversationID, "message", localID, "error", err)
		}
		if done != nil {
			done(id, err)
		}
	}()
}

// Wait blocks until every background persist has finished.
func (c *Client) Wait() { c.wg.Wait() }

// retryable reports whether another attempt may succeed. Client errors other
// than timeouts and throttling are final.
func retryable(err error) bool {
	var apiErr *remote.APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	switch {
	case apiErr.StatusCode == 408, apiErr.StatusCode == 429:
		return true
	case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		return false
	}
	return true
}
