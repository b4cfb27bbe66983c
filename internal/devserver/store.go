package devserver

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	"github.com/lhdbsbz/convsync/internal/chat"
	"github.com/lhdbsbz/convsync/internal/remote"
)

const maxListLimit = 50

func (s *Server) handleCreate(c *gin.Context) {
	var body struct {
		Title       string        `json:"title"`
		AgentID     string        `json:"agentId"`
		SessionData *chat.Session `json:"session_data"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "invalid body"})
		return
	}
	title := strings.TrimSpace(body.Title)
	if title == "" {
		title = chat.DefaultTitle
	}
	now := time.Now()
	conv := &conversation{
		ID:        "conv_" + strings.ToLower(ulid.Make().String()),
		Title:     title,
		AgentID:   body.AgentID,
		Session:   body.SessionData,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()
	s.log.Debug("conversation created", "id", conv.ID, "title", title)
	c.JSON(http.StatusCreated, gin.H{"id": conv.ID, "title": title})
}

// lookup returns a live conversation; callers hold s.mu.
func (s *Server) lookup(c *gin.Context) (*conversation, bool) {
	conv, ok := s.conversations[c.Param("id")]
	if !ok || conv.Deleted {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"detail": "Conversation not found"})
		return nil, false
	}
	return conv, true
}

func (s *Server) handleGet(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           conv.ID,
		"title":        conv.Title,
		"messages":     messagesOrEmpty(conv.Messages),
		"session_data": conv.Session,
		"created_at":   conv.CreatedAt,
		"updated_at":   conv.UpdatedAt,
	})
}

func (s *Server) handleMessages(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, messagesOrEmpty(conv.Messages))
}

func messagesOrEmpty(msgs []remote.WireMessage) []remote.WireMessage {
	if msgs == nil {
		return []remote.WireMessage{}
	}
	return msgs
}

// handleAppend stores one message. A repeated Idempotency-Key returns the
// id assigned the first time instead of storing a duplicate.
func (s *Server) handleAppend(c *gin.Context) {
	var w remote.WireMessage
	if err := c.ShouldBindJSON(&w); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "invalid message"})
		return
	}
	convID := c.Param("id")
	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		key = w.IdempotencyKey
	}

	s.mu.Lock()
	hook := s.faults.BeforeAppend
	s.mu.Unlock()
	if hook != nil {
		if err := hook(convID); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "Failed to add message: " + err.Error()})
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.lookup(c)
	if !ok {
		return
	}
	if key != "" {
		if id, seen := s.keys.Lookup(convID + "/" + key); seen {
			c.JSON(http.StatusOK, gin.H{"messageId": id, "duplicate": true})
			return
		}
	}
	if w.Content == "" && w.Text == "" && len(w.Attachments) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "message has no content"})
		return
	}

	w.ID = s.opts.NewMessageID()
	w.MessageID = ""
	w.Type = "message"
	w.SessionID = firstNonEmpty(w.SessionID, convID)
	w.IdempotencyKey = key
	conv.Messages = append(conv.Messages, w)
	conv.UpdatedAt = time.Now()
	if key != "" {
		s.keys.Remember(convID+"/"+key, w.ID)
	}
	c.JSON(http.StatusOK, gin.H{"messageId": w.ID, "success": true})
}

func (s *Server) handleFeedback(c *gin.Context) {
	var body struct {
		Feedback *string `json:"feedback"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "invalid body"})
		return
	}
	fb := ""
	if body.Feedback != nil {
		fb = *body.Feedback
	}
	switch chat.Feedback(fb) {
	case chat.FeedbackNone, chat.FeedbackPositive, chat.FeedbackNegative:
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "feedback must be positive, negative or null"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.lookup(c)
	if !ok {
		return
	}
	msgID := c.Param("messageId")
	for i := range conv.Messages {
		if conv.Messages[i].ID == msgID {
			conv.Messages[i].Feedback = fb
			c.Status(http.StatusNoContent)
			return
		}
	}
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"detail": "Message not found"})
}

// handleDelete soft-deletes: the record stays but is no longer served.
func (s *Server) handleDelete(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.lookup(c)
	if !ok {
		return
	}
	conv.Deleted = true
	conv.UpdatedAt = time.Now()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleList(c *gin.Context) {
	agentID := c.Query("agentId")
	limit := maxListLimit
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
			limit = n
		}
	}

	s.mu.Lock()
	out := make([]chat.Summary, 0, len(s.conversations))
	for _, conv := range s.conversations {
		if conv.Deleted || (agentID != "" && conv.AgentID != agentID) {
			continue
		}
		sum := chat.Summary{
			ID:           conv.ID,
			Title:        conv.Title,
			MessageCount: len(conv.Messages),
			UpdatedAt:    conv.UpdatedAt,
		}
		if n := len(conv.Messages); n > 0 {
			sum.LastMessagePreview = firstNonEmpty(conv.Messages[n-1].Content, conv.Messages[n-1].Text)
		}
		out = append(out, sum)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	c.JSON(http.StatusOK, out)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
