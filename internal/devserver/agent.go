package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lhdbsbz/convsync/internal/chat"
	"github.com/lhdbsbz/convsync/internal/remote"
)

func (s *Server) handleSessionToken(c *gin.Context) {
	var body struct {
		AgentID string `json:"agentId"`
	}
	_ = c.ShouldBindJSON(&body)

	s.mu.Lock()
	status := s.faults.SessionStatus
	s.mu.Unlock()
	switch status {
	case 0:
	case http.StatusServiceUnavailable:
		c.AbortWithStatusJSON(status, gin.H{"detail": "Agent service is not configured."})
		return
	case http.StatusBadGateway:
		c.AbortWithStatusJSON(status, gin.H{"detail": "Unable to create agent session: upstream unreachable"})
		return
	default:
		c.AbortWithStatusJSON(status, gin.H{"detail": "session creation failed"})
		return
	}

	agentID := body.AgentID
	if agentID == "" {
		agentID = "default"
	}
	c.JSON(http.StatusOK, gin.H{
		"conversationId": s.opts.NewSessionID(),
		"userId":         s.opts.UserID,
		"userName":       s.opts.UserName,
		"agentId":        agentID,
		"expiresIn":      int(s.opts.SessionTTL / time.Second),
		"welcomeMessage": s.opts.Welcome,
	})
}

func (s *Server) sendFault(c *gin.Context) bool {
	s.mu.Lock()
	status := s.faults.SendStatus
	s.mu.Unlock()
	if status == 0 {
		return false
	}
	c.AbortWithStatusJSON(status, gin.H{"detail": "Failed to send message"})
	return true
}

func (s *Server) handleSend(c *gin.Context) {
	var body struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
		Text           string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.ConversationID == "" || body.Text == "" || body.UserID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "conversationId, text, and userId are required"})
		return
	}
	if s.sendFault(c) {
		return
	}
	s.mu.Lock()
	s.turns = append(s.turns, body.Text)
	s.mu.Unlock()

	var reply *Reply
	if s.opts.Script != nil {
		reply = s.opts.Script(body.Text)
	}
	if reply == nil || (reply.Text == "" && len(reply.Attachments) == 0) {
		c.JSON(http.StatusOK, gin.H{"response": "I received your message.", "attachments": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"response":           reply.Text,
		"attachments":        reply.Attachments,
		"suggestedQuestions": reply.Suggestions,
	})
}

func (s *Server) handleCardResponse(c *gin.Context) {
	var body struct {
		ConversationID string         `json:"conversationId"`
		UserID         string         `json:"userId"`
		ActionData     map[string]any `json:"actionData"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.ConversationID == "" || body.UserID == "" || len(body.ActionData) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "conversationId, actionData, and userId are required"})
		return
	}
	if s.sendFault(c) {
		return
	}
	action, _ := body.ActionData["action"].(string)
	if action == "" {
		action = "submitted"
	}
	s.mu.Lock()
	s.turns = append(s.turns, "Card action: "+action)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"text":        fmt.Sprintf("Card action '%s' processed.", action),
		"attachments": []any{},
	})
}

// handleTitle names a conversation after its first few words.
func (s *Server) handleTitle(c *gin.Context) {
	var body struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "text required"})
		return
	}
	words := strings.Fields(strings.Trim(body.Text, "?!. "))
	if len(words) > 6 {
		words = words[:6]
	}
	title := strings.Join(words, " ")
	if title == "" {
		title = chat.DefaultTitle
	}
	c.JSON(http.StatusOK, gin.H{"title": title})
}

// AdaptiveCardReply is a scripted reply carrying an adaptive card.
func AdaptiveCardReply(text string, card map[string]any) *Reply {
	b, _ := json.Marshal(card)
	r := &Reply{Text: text}
	r.Attachments = append(r.Attachments, cardAttachment(b))
	return r
}

func cardAttachment(content []byte) remote.WireAttachment {
	return remote.WireAttachment{ContentType: chat.AdaptiveCardMIME, Content: content}
}
