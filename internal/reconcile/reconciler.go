// Package reconcile periodically pulls the authoritative transcript of the
// active conversation and merges it into the local one.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lhdbsbz/convsync/internal/chat"
	"github.com/lhdbsbz/convsync/internal/metrics"
	"github.com/lhdbsbz/convsync/internal/transcript"
)

const DefaultInterval = 30 * time.Second

// Target is the conversation a pass syncs, tagged with the generation it was
// observed at so a late result can be recognised as stale.
type Target struct {
	ConversationID string
	Generation     uint64
}

// Source owns the transcript being reconciled. SyncTarget returns an error
// wrapping chat.ErrSyncSkipped when no pass should run now. ApplySync merges
// msgs unless the target went stale or a send started meanwhile.
type Source interface {
	SyncTarget() (Target, error)
	ApplySync(t Target, msgs []chat.Message) (transcript.MergeResult, error)
}

// Fetcher pulls a conversation's full transcript.
type Fetcher interface {
	Messages(ctx context.Context, conversationID string) ([]chat.Message, error)
}

// Reconciler runs sync passes on a fixed interval.
type Reconciler struct {
	src     Source
	fetch   Fetcher
	log     *slog.Logger
	metrics *metrics.Engine
	timeout time.Duration

	mu       sync.Mutex
	cron     *cron.Cron
	entry    cron.EntryID
	interval time.Duration
	running  atomic.Bool
}

type Option func(*Reconciler)

func WithLogger(l *slog.Logger) Option { return func(r *Reconciler) { r.log = l } }

func WithMetrics(m *metrics.Engine) Option { return func(r *Reconciler) { r.metrics = m } }

// WithTimeout bounds each pass's fetch.
func WithTimeout(d time.Duration) Option { return func(r *Reconciler) { r.timeout = d } }

func New(src Source, fetch Fetcher, interval time.Duration, opts ...Option) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &Reconciler{
		src:      src,
		fetch:    fetch,
		log:      slog.Default(),
		timeout:  15 * time.Second,
		cron:     cron.New(cron.WithSeconds()),
		interval: interval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start schedules passes every interval.
func (r *Reconciler) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.scheduleLocked(); err != nil {
		return err
	}
	r.cron.Start()
	r.log.Info("sync reconciler started", "interval", r.interval)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// SetInterval reschedules passes, e.g. after a config reload.
func (r *Reconciler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("sync interval must be positive, got %s", d)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if d == r.interval {
		return nil
	}
	r.interval = d
	return r.scheduleLocked()
}

// Restart drops the pending pass and schedules the next one a full
// interval from now. Called when the active conversation changes, so the
// new one is not synced on the previous conversation's timer.
func (r *Reconciler) Restart() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scheduleLocked()
}

func (r *Reconciler) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

func (r *Reconciler) scheduleLocked() error {
	if r.entry != 0 {
		r.cron.Remove(r.entry)
		r.entry = 0
	}
	id, err := r.cron.AddFunc("@every "+r.interval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		_ = r.Tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule sync every %s: %w", r.interval, err)
	}
	r.entry = id
	return nil
}

// Tick runs one pass. Errors are returned for tests and logged; they are
// never surfaced to the user. A tick that finds a pass already running, or
// a send in flight, is skipped rather than queued.
func (r *Reconciler) Tick(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		r.metrics.SyncRun("skipped")
		return fmt.Errorf("previous pass still running: %w", chat.ErrSyncSkipped)
	}
	defer r.running.Store(false)

	t, err := r.src.SyncTarget()
	if err != nil {
		r.metrics.SyncRun("skipped")
		r.log.Debug("sync skipped", "reason", err)
		return err
	}

	msgs, err := r.fetch.Messages(ctx, t.ConversationID)
	if err != nil {
		r.metrics.SyncRun("error")
		r.log.Warn("sync fetch failed", "conversation", t.ConversationID, "error", err)
		return fmt.Errorf("fetch transcript %s: %w", t.ConversationID, err)
	}

	res, err := r.src.ApplySync(t, msgs)
	if err != nil {
		if errors.Is(err, chat.ErrSyncSkipped) || errors.Is(err, chat.ErrStaleCompletion) {
			r.metrics.SyncRun("skipped")
		} else {
			r.metrics.SyncRun("error")
		}
		r.log.Debug("sync result discarded", "conversation", t.ConversationID, "reason", err)
		return err
	}

	switch {
	case !res.Applied:
		r.metrics.SyncRun("rejected")
		r.log.Info("sync kept local transcript, server copy is shorter",
			"conversation", t.ConversationID, "local", res.Before, "server", res.After)
	case res.Changed:
		r.metrics.SyncRun("merged")
		r.log.Debug("sync merged", "conversation", t.ConversationID, "before", res.Before, "after", res.After)
	default:
		r.metrics.SyncRun("unchanged")
	}
	if res.Dropped > 0 {
		r.log.Warn("sync dropped server entries without id or sender",
			"conversation", t.ConversationID, "dropped", res.Dropped)
	}
	return nil
}
