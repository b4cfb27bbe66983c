package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lhdbsbz/convsync/internal/chat"
	"github.com/lhdbsbz/convsync/internal/engine"
	"github.com/lhdbsbz/convsync/internal/remote"
)

type methodFunc func(ctx context.Context, params json.RawMessage) (any, error)

var errInvalidParams = errors.New("invalid params")

func (s *Server) methods() map[string]methodFunc {
	return map[string]methodFunc{
		MethodChatSend:           s.handleChatSend,
		MethodConversationOpen:   s.handleConversationOpen,
		MethodConversationNew:    s.handleConversationNew,
		MethodConversationList:   s.handleConversationList,
		MethodConversationDelete: s.handleConversationDelete,
		MethodCardAction:         s.handleCardAction,
		MethodFeedback:           s.handleFeedback,
		MethodMessageRetry:       s.handleMessageRetry,
		MethodTranscriptGet:      s.handleTranscriptGet,
	}
}

// call dispatches one request by method name (shared by WebSocket and HTTP API).
func (s *Server) call(ctx context.Context, method string, params json.RawMessage) (any, error) {
	fn, ok := s.handlers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownMethod, method)
	}
	return fn(ctx, params)
}

var errUnknownMethod = errors.New("unknown method")

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

// turnResponse reports a turn whose agent call failed as a success: the
// fallback reply is already in the transcript.
func turnResponse(res *engine.TurnResult, err error) (any, error) {
	if err != nil && !(res != nil && errors.Is(err, chat.ErrSendFailed)) {
		return nil, err
	}
	out := map[string]any{
		"userLocalId":  res.UserLocalID,
		"replyLocalId": res.ReplyLocalID,
		"fallback":     res.Fallback,
	}
	if res.PersistErr != nil {
		out["persistError"] = res.PersistErr.Error()
	}
	return out, nil
}

func (s *Server) handleChatSend(ctx context.Context, params json.RawMessage) (any, error) {
	var p ChatSendParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Text) == "" {
		return nil, fmt.Errorf("%w: text required", errInvalidParams)
	}
	return turnResponse(s.ctl.Send(ctx, p.Text))
}

func (s *Server) handleConversationOpen(ctx context.Context, params json.RawMessage) (any, error) {
	var p ConversationParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversationId required", errInvalidParams)
	}
	if err := s.ctl.Open(ctx, p.ConversationID); err != nil {
		return nil, err
	}
	return s.ctl.View(), nil
}

func (s *Server) handleConversationNew(ctx context.Context, params json.RawMessage) (any, error) {
	var p NewConversationParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Token == "" {
		return nil, fmt.Errorf("%w: token required", errInvalidParams)
	}
	reset, err := s.ctl.Reset(ctx, p.Token)
	if err != nil {
		return nil, err
	}
	return map[string]any{"reset": reset}, nil
}

func (s *Server) handleConversationList(ctx context.Context, _ json.RawMessage) (any, error) {
	list, err := s.ctl.List(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []chat.Summary{}
	}
	return list, nil
}

func (s *Server) handleConversationDelete(ctx context.Context, params json.RawMessage) (any, error) {
	var p ConversationParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversationId required", errInvalidParams)
	}
	if err := s.ctl.Delete(ctx, p.ConversationID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": p.ConversationID}, nil
}

func (s *Server) handleCardAction(ctx context.Context, params json.RawMessage) (any, error) {
	var p CardActionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return turnResponse(s.disp.SubmitCardAction(ctx, p.Action, p.Data))
}

func (s *Server) handleFeedback(ctx context.Context, params json.RawMessage) (any, error) {
	var p FeedbackParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	switch p.Value {
	case chat.FeedbackPositive, chat.FeedbackNegative, chat.FeedbackNone:
	default:
		return nil, fmt.Errorf("%w: value must be positive, negative or empty", errInvalidParams)
	}
	v, err := s.disp.SubmitFeedback(ctx, p.LocalID, p.Value)
	if err != nil {
		return nil, err
	}
	return map[string]any{"localId": p.LocalID, "feedback": v}, nil
}

func (s *Server) handleMessageRetry(ctx context.Context, params json.RawMessage) (any, error) {
	var p RetryParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	id, err := s.ctl.Retry(ctx, p.LocalID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"localId": p.LocalID, "serverId": id}, nil
}

func (s *Server) handleTranscriptGet(context.Context, json.RawMessage) (any, error) {
	return s.ctl.View(), nil
}

// classify maps an engine error to a frame error code and HTTP status.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, errUnknownMethod):
		return "UNKNOWN_METHOD", http.StatusNotFound
	case errors.Is(err, errInvalidParams):
		return "INVALID_PARAMS", http.StatusBadRequest
	case errors.Is(err, chat.ErrTurnInFlight):
		return "TURN_IN_FLIGHT", http.StatusConflict
	case errors.Is(err, chat.ErrNoSession):
		return "NO_SESSION", http.StatusConflict
	case errors.Is(err, chat.ErrSessionUnavailable):
		return "AGENT_NOT_CONFIGURED", http.StatusServiceUnavailable
	case errors.Is(err, chat.ErrSessionUnreachable):
		return "AGENT_UNREACHABLE", http.StatusBadGateway
	case errors.Is(err, chat.ErrStaleCompletion):
		return "STALE", http.StatusConflict
	case errors.Is(err, chat.ErrUnknownMessage):
		return "UNKNOWN_MESSAGE", http.StatusNotFound
	case errors.Is(err, chat.ErrNotAgentMessage), errors.Is(err, chat.ErrNotPersisted), errors.Is(err, chat.ErrInvalidTransition):
		return "INVALID_STATE", http.StatusConflict
	case errors.Is(err, chat.ErrPersistFailed):
		return "PERSIST_FAILED", http.StatusBadGateway
	}
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsNotFound():
			return "NOT_FOUND", http.StatusNotFound
		case apiErr.IsAuth():
			return "UPSTREAM_AUTH", http.StatusBadGateway
		}
	}
	return "ERROR", http.StatusInternalServerError
}
