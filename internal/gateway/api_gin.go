package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const apiPrefix = "/api"

func (s *Server) apiAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token = c.Query("token")
		}
		if !s.authenticate(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// registerAPIRoutes mirrors the WebSocket methods as REST endpoints.
func (s *Server) registerAPIRoutes(engine *gin.Engine) {
	api := engine.Group(apiPrefix, s.apiAuthMiddleware())
	api.GET("/transcript", s.ginCall(MethodTranscriptGet))
	api.POST("/chat/send", s.ginCall(MethodChatSend))
	api.POST("/card/action", s.ginCall(MethodCardAction))
	api.POST("/feedback", s.ginCall(MethodFeedback))
	api.POST("/messages/retry", s.ginCall(MethodMessageRetry))
	api.GET("/conversations", s.ginCall(MethodConversationList))
	api.POST("/conversations/new", s.ginCall(MethodConversationNew))
	api.POST("/conversations/:id/open", s.ginConversation(MethodConversationOpen))
	api.DELETE("/conversations/:id", s.ginConversation(MethodConversationDelete))
}

func (s *Server) ginCall(method string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params json.RawMessage
		if c.Request.Body != nil {
			body, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
				return
			}
			params = body
		}
		s.respond(c, method, params)
	}
}

func (s *Server) ginConversation(method string) gin.HandlerFunc {
	return func(c *gin.Context) {
		params, _ := json.Marshal(ConversationParams{ConversationID: c.Param("id")})
		s.respond(c, method, params)
	}
}

func (s *Server) respond(c *gin.Context, method string, params json.RawMessage) {
	result, err := s.call(c.Request.Context(), method, params)
	if err != nil {
		code, status := classify(err)
		c.AbortWithStatusJSON(status, gin.H{"code": code, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
