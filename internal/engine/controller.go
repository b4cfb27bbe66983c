// Package engine drives one conversation at a time: session lifecycle,
// user turns, card actions and feedback, and the gate the reconciler
// consults before merging.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lhdbsbz/convsync/internal/chat"
	"github.com/lhdbsbz/convsync/internal/idem"
	"github.com/lhdbsbz/convsync/internal/metrics"
	"github.com/lhdbsbz/convsync/internal/persist"
	"github.com/lhdbsbz/convsync/internal/reconcile"
	"github.com/lhdbsbz/convsync/internal/remote"
	"github.com/lhdbsbz/convsync/internal/session"
	"github.com/lhdbsbz/convsync/internal/transcript"
)

// State is the lifecycle state of a Controller.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateActive        State = "active"
	StateResuming      State = "resuming"
	StateResetting     State = "resetting"
)

// Agent is the remote agent service.
type Agent interface {
	Send(ctx context.Context, sess *chat.Session, text string) (*remote.Reply, error)
	SendCardAction(ctx context.Context, sess *chat.Session, actionData json.RawMessage) (*remote.Reply, error)
	Title(ctx context.Context, text string) (string, error)
}

// Records is the remote conversation store, minus message writes (see persist.Writer).
type Records interface {
	CreateConversation(ctx context.Context, title, agentID string, sess *chat.Session) (string, error)
	GetConversation(ctx context.Context, id string) (*remote.Conversation, error)
	SetFeedback(ctx context.Context, conversationID, messageID string, v chat.Feedback) error
	DeleteConversation(ctx context.Context, id string) error
	ListConversations(ctx context.Context, agentID string, limit int) ([]chat.Summary, error)
}

// Options configures a Controller.
type Options struct {
	AgentRef string
	AITitles bool          // ask the agent for a title once per brand-new conversation
	ResetTTL time.Duration // how long a reset token is remembered
	Logger   *slog.Logger
	Metrics  *metrics.Engine
}

const (
	fallbackReply     = "Sorry, I couldn't get a response from the assistant. Please try again."
	fallbackCardReply = "Sorry, that action couldn't be completed. Please try again."
	defaultReply      = "I received your message."
	listLimit         = 50
)

// Controller owns the active conversation: its session, transcript and
// remote id. All state lives under mu; network calls run outside it and
// re-check the generation before applying their results.
type Controller struct {
	neg     *session.Negotiator
	agent   Agent
	records Records
	persist *persist.Client
	opts    Options
	log     *slog.Logger
	metrics *metrics.Engine
	resets  *idem.Ledger[struct{}]

	feedbackMu sync.Mutex // one rating round trip at a time, so toggles read applied state

	mu             sync.Mutex
	state          State
	sess           *chat.Session
	needSession    bool // reset deferred acquisition to the first send
	conversationID string
	title          string
	store          *transcript.Store
	generation     uint64 // bumped whenever the active conversation changes
	switchSeq      uint64 // latest Open or Initialize request
	brandNew       bool   // created here, not resumed; eligible for an AI title
	inFlight       bool   // a turn or retry is running
	outstanding    int    // background persists for the current generation

	notifyMu  sync.Mutex
	listeners []func(View)
	switches  []func()
	changes   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New wires a controller. It starts Uninitialized; call Initialize.
func New(neg *session.Negotiator, agent Agent, records Records, pc *persist.Client, opts Options) *Controller {
	if opts.ResetTTL <= 0 {
		opts.ResetTTL = 10 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		neg:      neg,
		agent:    agent,
		records:  records,
		persist:  pc,
		opts:     opts,
		log:      log,
		metrics:  opts.Metrics,
		resets:   idem.New[struct{}](opts.ResetTTL),
		state:    StateUninitialized,
		brandNew: true,
		changes:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.store = c.newStore()
	go c.notifyLoop()
	return c
}

// Close stops change notifications and waits for background persists.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.persist.Wait()
		close(c.done)
		c.resets.Close()
	})
}

func (c *Controller) newStore() *transcript.Store {
	return transcript.New(transcript.OnChange(c.changed))
}

// Initialize acquires the first session. It is a no-op once a session is held.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return nil
	}
	c.state = StateInitializing
	c.switchSeq++
	seq := c.switchSeq
	c.mu.Unlock()
	c.changed()

	sess, err := c.neg.Acquire(ctx, c.opts.AgentRef)

	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		if seq == c.switchSeq || c.state == StateInitializing {
			c.state = StateUninitialized
		}
		c.mu.Unlock()
		c.changed()
		return err
	}
	// An Open that started meanwhile and is still resuming keeps its state;
	// it either replaces this session or falls back to it.
	c.sess = sess
	if c.state != StateResuming {
		c.state = StateActive
	}
	c.store.SeedWelcome(sess.WelcomeMessage)
	c.mu.Unlock()
	c.changed()
	return nil
}

// Open switches to a stored conversation. The transcript is replaced
// wholesale; the stored session is reused when present and unexpired.
func (c *Controller) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("open: empty conversation id")
	}
	c.mu.Lock()
	prev := c.state
	if prev == StateResuming {
		prev = StateActive
	}
	c.state = StateResuming
	c.switchSeq++
	seq := c.switchSeq
	c.mu.Unlock()
	c.changed()

	restore := func() {
		c.mu.Lock()
		if seq == c.switchSeq && c.state == StateResuming {
			c.state = restoredState(prev, c.sess)
		}
		c.mu.Unlock()
		c.changed()
	}

	rec, err := c.records.GetConversation(ctx, conversationID)
	if err != nil {
		restore()
		return fmt.Errorf("open %s: %w", conversationID, err)
	}
	res, err := c.neg.Resume(ctx, session.ResumeRequest{
		ConversationID: conversationID,
		AgentRef:       c.opts.AgentRef,
		Record:         rec,
	})
	if err != nil {
		restore()
		return fmt.Errorf("open %s: %w", conversationID, err)
	}

	store := c.newStore()
	if len(rec.Messages) == 0 {
		c.neg.SeedWelcome(store, res.Session)
	}
	if mr := store.Merge(rec.Messages); mr.Dropped > 0 {
		c.log.Warn("stored transcript has entries without id or sender", "conversation", conversationID, "dropped", mr.Dropped)
	}

	c.mu.Lock()
	if seq != c.switchSeq {
		c.mu.Unlock()
		return chat.ErrStaleCompletion
	}
	c.generation++
	c.sess = res.Session
	c.needSession = false
	c.conversationID = conversationID
	c.title = rec.Title
	c.store = store
	c.brandNew = false
	c.inFlight = false
	c.outstanding = 0
	c.state = StateActive
	c.mu.Unlock()
	c.changed()

	c.switched()
	c.log.Info("conversation opened", "conversation", conversationID, "messages", len(rec.Messages), "restored", res.Restored)
	return nil
}

// restoredState is the state to return to after a failed Open. Holding a
// session means Active; without one the controller is Uninitialized until a
// pending acquisition lands.
func restoredState(prev State, sess *chat.Session) State {
	switch {
	case sess == nil:
		return StateUninitialized
	case prev == StateInitializing:
		return StateActive
	default:
		return prev
	}
}

// Reset starts a fresh conversation. A token is honoured once; repeats, and
// resets of an already fresh conversation, return false. The current session
// keeps serving the welcome text; a new one is acquired on the first send.
func (c *Controller) Reset(ctx context.Context, token string) (bool, error) {
	if token != "" && !c.resets.Claim(token) {
		c.log.Debug("reset token already consumed", "token", token)
		return false, nil
	}

	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return true, c.Initialize(ctx)
	}
	if c.state == StateActive && c.conversationID == "" && c.store.OnlyWelcome() {
		c.mu.Unlock()
		return false, nil
	}
	c.state = StateResetting
	c.switchSeq++
	c.generation++
	c.conversationID = ""
	c.title = ""
	c.store = c.newStore()
	c.brandNew = true
	c.needSession = true
	c.inFlight = false
	c.outstanding = 0
	c.store.SeedWelcome(c.sess.WelcomeMessage)
	c.state = StateActive
	c.mu.Unlock()
	c.changed()

	c.switched()
	c.log.Info("conversation reset")
	return true, nil
}

// TurnResult reports a completed turn.
type TurnResult struct {
	UserLocalID  string
	ReplyLocalID string
	Fallback     bool  // the agent round trip failed; a fallback reply stands in
	PersistErr   error // the user message could not be stored; it stays failed locally
}

// turn is a snapshot of the controller taken when a turn begins.
type turn struct {
	gen   uint64
	store *transcript.Store
	sess  *chat.Session
}

// Send runs one user turn: optimistic append, awaited persist, agent round
// trip, then the reply is appended and persisted in the background.
func (c *Controller) Send(ctx context.Context, text string) (*TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("send: empty message")
	}
	return c.runTurn(ctx, turnSpec{
		kind:     "message",
		userText: text,
		title:    text,
		call: func(ctx context.Context, sess *chat.Session) (*remote.Reply, error) {
			return c.agent.Send(ctx, sess, text)
		},
		emptyText:    defaultReply,
		fallbackText: fallbackReply,
	})
}

type turnSpec struct {
	kind         string
	userText     string
	title        string
	call         func(ctx context.Context, sess *chat.Session) (*remote.Reply, error)
	emptyText    string
	fallbackText string
}

func (c *Controller) runTurn(ctx context.Context, spec turnSpec) (*TurnResult, error) {
	t, err := c.beginTurn()
	if err != nil {
		return nil, err
	}
	defer c.endTurn(t.gen)

	res := &TurnResult{UserLocalID: t.store.Append(chat.UserMessage(spec.userText))}

	sess, err := c.ensureSession(ctx, t)
	if err != nil {
		_ = t.store.MarkFailed(res.UserLocalID)
		return res, err
	}
	t.sess = sess

	convID, err := c.ensureConversation(ctx, t, spec.title)
	if err != nil {
		_ = t.store.MarkFailed(res.UserLocalID)
		return res, err
	}

	target := c.target(t, convID)
	if _, err := c.persist.Persist(ctx, target, res.UserLocalID); err != nil {
		if errors.Is(err, chat.ErrStaleCompletion) {
			return res, err
		}
		res.PersistErr = err
	}

	reply, err := spec.call(ctx, sess)
	var msg chat.Message
	switch {
	case err != nil:
		c.metrics.Turn(spec.kind, "fallback")
		c.log.Warn("agent round trip failed", "kind", spec.kind, "conversation", convID, "error", err)
		msg = chat.FallbackMessage(spec.fallbackText)
		res.Fallback = true
	case reply.Empty():
		c.metrics.Turn(spec.kind, "empty")
		msg = chat.AgentMessage(spec.emptyText)
		msg.Suggestions = reply.Suggestions
	default:
		c.metrics.Turn(spec.kind, "ok")
		msg = chat.AgentMessage(reply.Text, reply.Attachments...)
		msg.Suggestions = reply.Suggestions
	}

	c.mu.Lock()
	if t.gen != c.generation {
		c.mu.Unlock()
		c.log.Info("discarding reply for inactive conversation", "conversation", convID)
		return res, chat.ErrStaleCompletion
	}
	res.ReplyLocalID = t.store.Append(msg)
	c.outstanding++
	c.mu.Unlock()

	c.persist.PersistAsync(context.WithoutCancel(ctx), target, res.ReplyLocalID, func(string, error) {
		c.mu.Lock()
		if t.gen == c.generation && c.outstanding > 0 {
			c.outstanding--
		}
		c.mu.Unlock()
		c.changed()
	})
	if res.Fallback {
		return res, fmt.Errorf("%w: %w", chat.ErrSendFailed, err)
	}
	return res, nil
}

func (c *Controller) beginTurn() (turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.state != StateActive {
		return turn{}, chat.ErrNoSession
	}
	if c.inFlight {
		return turn{}, chat.ErrTurnInFlight
	}
	c.inFlight = true
	c.changed()
	return turn{gen: c.generation, store: c.store, sess: c.sess}, nil
}

func (c *Controller) endTurn(gen uint64) {
	c.mu.Lock()
	if gen == c.generation {
		c.inFlight = false
	}
	c.mu.Unlock()
	c.changed()
}

// ensureSession acquires the session a reset deferred.
func (c *Controller) ensureSession(ctx context.Context, t turn) (*chat.Session, error) {
	c.mu.Lock()
	need := c.needSession && t.gen == c.generation
	c.mu.Unlock()
	if !need {
		return t.sess, nil
	}
	sess, err := c.neg.Acquire(ctx, c.opts.AgentRef)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.gen != c.generation {
		return nil, chat.ErrStaleCompletion
	}
	c.sess = sess
	c.needSession = false
	return sess, nil
}

// ensureConversation creates the remote record on the first turn of a
// conversation. Only called while the turn flag is held.
func (c *Controller) ensureConversation(ctx context.Context, t turn, text string) (string, error) {
	c.mu.Lock()
	id, brandNew := c.conversationID, c.brandNew
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}

	title := chat.DeriveTitle(text)
	if c.opts.AITitles && brandNew {
		if ai, err := c.agent.Title(ctx, text); err != nil {
			c.log.Warn("AI title failed, using derived title", "error", err)
		} else if ai = strings.TrimSpace(ai); ai != "" {
			title = ai
		}
	}

	id, err := c.records.CreateConversation(ctx, title, t.sess.AgentID, t.sess)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t.gen != c.generation {
		return "", chat.ErrStaleCompletion
	}
	c.conversationID = id
	c.title = title
	c.brandNew = false
	c.log.Info("conversation created", "conversation", id, "title", title)
	return id, nil
}

func (c *Controller) target(t turn, convID string) persist.Target {
	return persist.Target{
		ConversationID: convID,
		SessionID:      t.sess.ID,
		Store:          t.store,
		Current:        func() bool { return c.current(t.gen) },
	}
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation
}

// Retry persists a failed message again.
func (c *Controller) Retry(ctx context.Context, localID string) (string, error) {
	t, err := c.beginTurn()
	if err != nil {
		return "", err
	}
	defer c.endTurn(t.gen)

	m, ok := t.store.Get(localID)
	if !ok {
		return "", fmt.Errorf("retry %s: %w", localID, chat.ErrUnknownMessage)
	}
	if err := t.store.MarkPending(localID); err != nil {
		return "", err
	}
	sess, err := c.ensureSession(ctx, t)
	if err != nil {
		_ = t.store.MarkFailed(localID)
		return "", err
	}
	t.sess = sess
	convID, err := c.ensureConversation(ctx, t, m.Text)
	if err != nil {
		_ = t.store.MarkFailed(localID)
		return "", err
	}
	return c.persist.Persist(ctx, c.target(t, convID), localID)
}

// Delete removes a stored conversation. Deleting the active one resets.
func (c *Controller) Delete(ctx context.Context, conversationID string) error {
	if err := c.records.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("delete %s: %w", conversationID, err)
	}
	c.mu.Lock()
	active := c.conversationID == conversationID
	c.mu.Unlock()
	if active {
		_, err := c.Reset(ctx, "")
		return err
	}
	return nil
}

// List returns the agent's conversations, newest first.
func (c *Controller) List(ctx context.Context) ([]chat.Summary, error) {
	c.mu.Lock()
	agentID := c.opts.AgentRef
	if c.sess != nil && c.sess.AgentID != "" {
		agentID = c.sess.AgentID
	}
	c.mu.Unlock()
	return c.records.ListConversations(ctx, agentID, listLimit)
}

// SyncTarget implements reconcile.Source.
func (c *Controller) SyncTarget() (reconcile.Target, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.sess == nil || c.state != StateActive:
		return reconcile.Target{}, fmt.Errorf("no active session: %w", chat.ErrSyncSkipped)
	case c.conversationID == "":
		return reconcile.Target{}, fmt.Errorf("no conversation bound: %w", chat.ErrSyncSkipped)
	case c.store.OnlyWelcome():
		return reconcile.Target{}, fmt.Errorf("nothing beyond the welcome message: %w", chat.ErrSyncSkipped)
	case c.inFlight || c.outstanding > 0:
		return reconcile.Target{}, fmt.Errorf("send in progress: %w", chat.ErrSyncSkipped)
	}
	return reconcile.Target{ConversationID: c.conversationID, Generation: c.generation}, nil
}

// ApplySync implements reconcile.Source.
func (c *Controller) ApplySync(t reconcile.Target, msgs []chat.Message) (transcript.MergeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Generation != c.generation || t.ConversationID != c.conversationID {
		return transcript.MergeResult{}, chat.ErrStaleCompletion
	}
	if c.inFlight || c.outstanding > 0 {
		return transcript.MergeResult{}, fmt.Errorf("send started during fetch: %w", chat.ErrSyncSkipped)
	}
	return c.store.Merge(msgs), nil
}

// View is a snapshot for rendering.
type View struct {
	State          State          `json:"state"`
	SessionID      string         `json:"sessionId,omitempty"`
	AgentID        string         `json:"agentId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	Title          string         `json:"title"`
	Busy           bool           `json:"busy"`
	Messages       []chat.Message `json:"messages"`
}

func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := View{
		State:          c.state,
		ConversationID: c.conversationID,
		Title:          c.title,
		Busy:           c.inFlight,
		Messages:       c.store.Messages(),
	}
	if v.Title == "" {
		v.Title = chat.DefaultTitle
	}
	if c.sess != nil {
		v.SessionID = c.sess.ID
		v.AgentID = c.sess.AgentID
	}
	return v
}

// Subscribe registers fn to receive a View after changes. Bursts of changes
// are coalesced; fn runs on the notifier goroutine.
func (c *Controller) Subscribe(fn func(View)) {
	c.notifyMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.notifyMu.Unlock()
}

// OnSwitch registers fn to run whenever another conversation becomes
// active, after the switch is committed. fn runs on the caller's goroutine.
func (c *Controller) OnSwitch(fn func()) {
	c.notifyMu.Lock()
	c.switches = append(c.switches, fn)
	c.notifyMu.Unlock()
}

func (c *Controller) switched() {
	c.notifyMu.Lock()
	fns := append([]func(){}, c.switches...)
	c.notifyMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// changed never blocks and never takes mu, so stores may call it from anywhere.
func (c *Controller) changed() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

func (c *Controller) notifyLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.changes:
		}
		c.notifyMu.Lock()
		ls := append([]func(View){}, c.listeners...)
		c.notifyMu.Unlock()
		if len(ls) == 0 {
			continue
		}
		v := c.View()
		for _, fn := range ls {
			fn(v)
		}
	}
}
