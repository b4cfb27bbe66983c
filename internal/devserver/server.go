// Package devserver is an in-memory implementation of the remote agent
// service and conversation store, with a scripted agent. It backs local
// development and the engine tests.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	"github.com/lhdbsbz/convsync/internal/chat"
	"github.com/lhdbsbz/convsync/internal/idem"
	"github.com/lhdbsbz/convsync/internal/remote"
)

// ScriptFunc produces the agent's reply to a user turn. A nil reply falls
// back to the default acknowledgement.
type ScriptFunc func(text string) *Reply

// Reply is a scripted agent turn.
type Reply struct {
	Text        string
	Attachments []remote.WireAttachment
	Suggestions []string
}

// Options configures a Server.
type Options struct {
	Token          string // bearer token required on every request when set
	Welcome        string
	UserID         string
	UserName       string
	SessionTTL     time.Duration
	Script         ScriptFunc
	NewMessageID   func() string
	NewSessionID   func() string
	IdempotencyTTL time.Duration
	Logger         *slog.Logger
}

// Faults lets tests break individual endpoints.
type Faults struct {
	SessionStatus int // non-zero: POST /session/token answers with this status
	SendStatus    int // non-zero: agent turn endpoints answer with this status
	// BeforeAppend runs before a message is stored; a non-nil error fails the write with 500.
	BeforeAppend func(conversationID string) error
}

type conversation struct {
	ID        string
	Title     string
	AgentID   string
	Session   *chat.Session
	Messages  []remote.WireMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	Deleted   bool
}

// Server holds every conversation in memory.
type Server struct {
	opts Options
	log  *slog.Logger
	keys *idem.Ledger[string]

	mu            sync.Mutex
	conversations map[string]*conversation
	faults        Faults
	turns         []string // user texts seen by the agent, in order

	engine *gin.Engine
}

const defaultWelcome = "Hello! I'm your data assistant. Ask me anything about your business metrics."

func New(opts Options) *Server {
	if opts.Welcome == "" {
		opts.Welcome = defaultWelcome
	}
	if opts.UserID == "" {
		opts.UserID = "dev-user"
	}
	if opts.UserName == "" {
		opts.UserName = "Developer"
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = remote.DefaultSessionTTL
	}
	if opts.NewMessageID == nil {
		opts.NewMessageID = func() string { return "msg_" + strings.ToLower(ulid.Make().String()) }
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = func() string { return "sess_" + strings.ToLower(ulid.Make().String()) }
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = time.Hour
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		opts:          opts,
		log:           log,
		keys:          idem.New[string](opts.IdempotencyTTL),
		conversations: make(map[string]*conversation),
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler { return s.engine }

// SetFaults replaces the active fault set.
func (s *Server) SetFaults(f Faults) {
	s.mu.Lock()
	s.faults = f
	s.mu.Unlock()
}

// Turns returns the user texts the agent received.
func (s *Server) Turns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.turns...)
}

// StoredMessages returns a conversation's stored messages.
func (s *Server) StoredMessages(conversationID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	out := make([]chat.Message, 0, len(conv.Messages))
	for _, w := range conv.Messages {
		out = append(out, w.Message())
	}
	return out
}

// Inject appends a message directly, as another device would.
func (s *Server) Inject(conversationID string, m chat.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok || conv.Deleted {
		return "", fmt.Errorf("conversation %s not found", conversationID)
	}
	w := remote.EncodeMessage(m, conversationID)
	w.ID = s.opts.NewMessageID()
	conv.Messages = append(conv.Messages, w)
	conv.UpdatedAt = time.Now()
	return w.ID, nil
}

// Close releases the idempotency ledger.
func (s *Server) Close() { s.keys.Close() }

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("devserver listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.authMiddleware())

	engine.POST("/session/token", s.handleSessionToken)
	engine.POST("/conversation/send", s.handleSend)
	engine.POST("/conversation/send-card-response", s.handleCardResponse)
	engine.POST("/conversation/title", s.handleTitle)

	engine.GET("/conversations", s.handleList)
	engine.POST("/conversations", s.handleCreate)
	engine.GET("/conversations/:id", s.handleGet)
	engine.DELETE("/conversations/:id", s.handleDelete)
	engine.GET("/conversations/:id/messages", s.handleMessages)
	engine.POST("/conversations/:id/messages", s.handleAppend)
	engine.PATCH("/conversations/:id/messages/:messageId/feedback", s.handleFeedback)
	return engine
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.Token == "" {
			c.Next()
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token != s.opts.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}
