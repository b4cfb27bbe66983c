// Package gateway serves the engine to local UI clients over a WebSocket
// req/res/event protocol, with a REST mirror under /api.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/lhdbsbz/convsync/internal/engine"
	"github.com/lhdbsbz/convsync/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Options struct {
	Port    int
	Token   string // empty disables auth
	Metrics *metrics.Engine
	Logger  *slog.Logger
}

// Server is the convsync gateway server.
type Server struct {
	opts     Options
	ctl      *engine.Controller
	disp     *engine.Dispatcher
	Conns    *ConnManager
	handler  http.Handler
	httpSrv  *http.Server
	startAt  time.Time
	log      *slog.Logger
	handlers map[string]methodFunc
}

func NewServer(opts Options, ctl *engine.Controller, disp *engine.Dispatcher) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		opts:    opts,
		ctl:     ctl,
		disp:    disp,
		Conns:   NewConnManager(),
		startAt: time.Now(),
		log:     log,
	}
	s.handlers = s.methods()
	s.handler = s.routes()
	ctl.Subscribe(func(v engine.View) {
		s.Conns.Broadcast(EventTranscript, v)
	})
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", s.ginHealth)
	engine.GET("/ws", s.ginWebSocket)
	engine.GET("/metrics", gin.WrapH(s.opts.Metrics.Handler()))
	s.registerAPIRoutes(engine)
	return engine
}

// Start begins listening for connections.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.opts.Port)
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.handler,
	}

	s.log.Info("convsync gateway starting", "port", s.opts.Port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}()

	if err := s.httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) ginHealth(c *gin.Context) {
	v := s.ctl.View()
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"uptime":       time.Since(s.startAt).String(),
		"state":        v.State,
		"conversation": v.ConversationID,
		"clients":      s.Conns.Count(),
	})
}

func (s *Server) ginWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	connID := fmt.Sprintf("conn_%d", time.Now().UnixNano())
	conn := &Conn{
		ID:          connID,
		WS:          ws,
		ConnectedAt: time.Now(),
	}

	// First message must be a connect request
	frame, err := ReadFrame(ws)
	if err != nil {
		s.log.Warn("failed to read connect frame", "error", err)
		return
	}
	if frame.Method != "connect" {
		conn.Send(ResErr(frame.ID, "HANDSHAKE_REQUIRED", "first message must be a connect request"))
		return
	}

	var connectParams ConnectParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &connectParams); err != nil {
			conn.Send(ResErr(frame.ID, "INVALID_PARAMS", "invalid connect params"))
			return
		}
	}

	if !s.authenticate(connectParams.Token) {
		conn.Send(ResErr(frame.ID, "AUTH_FAILED", "invalid token"))
		return
	}

	conn.Send(ResOK(frame.ID, map[string]any{
		"connId":     connID,
		"protocol":   1,
		"transcript": s.ctl.View(),
	}))
	s.Conns.Add(conn)
	defer s.Conns.Remove(connID)

	s.log.Info("connection established", "id", connID)

	for {
		frame, err := ReadFrame(ws)
		if err != nil {
			s.log.Debug("connection closed", "id", connID, "error", err)
			return
		}
		if frame.Type != "req" {
			continue
		}

		go func(f Frame) {
			result, err := s.call(context.Background(), f.Method, f.Params)
			if err != nil {
				code, _ := classify(err)
				conn.Send(ResErr(f.ID, code, err.Error()))
				return
			}
			conn.Send(ResOK(f.ID, result))
		}(frame)
	}
}

func (s *Server) authenticate(token string) bool {
	expected := s.opts.Token
	if expected == "" {
		return true // no auth configured
	}
	return token == expected
}
