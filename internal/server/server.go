// Package server exposes the generation pipeline over HTTP: JSON endpoints
// for routing and media, an SSE stream for generation turns, and a
// websocket for live voice sessions.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"atelier/internal/canvas"
	"atelier/internal/logging"
	"atelier/internal/orchestrator"
	"atelier/internal/types"
	"atelier/internal/voice"
)

// Pipeline is the slice of the orchestrator the transport needs.
type Pipeline interface {
	Route(ctx context.Context, prompt string, history []types.Turn, imageContext *types.Blob) *types.RouterDecision
	Generate(ctx context.Context, req orchestrator.Request) <-chan orchestrator.Event
	Delegate(ctx context.Context, prompt string, history []types.Turn) (string, error)
	Canvas() *canvas.Store
}

// Server is the HTTP transport.
type Server struct {
	addr     string
	pipeline Pipeline
	engine   *gin.Engine
	upgrader websocket.Upgrader
}

func New(addr string, pipeline Pipeline) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		addr:     addr,
		pipeline: pipeline,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The studio front end is served from its own origin during
			// development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	e := gin.New()
	e.Use(gin.Recovery(), requestLog())

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := e.Group("/api")
	api.POST("/route", s.handleRoute)
	api.POST("/generate", s.handleGenerate)
	api.POST("/image", s.handleImage)
	api.POST("/video", s.handleVideo)
	api.GET("/canvas", s.handleCanvas)
	api.GET("/voice", s.handleVoice)

	s.engine = e
	return s
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Server().Infow("listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Server().Debugw("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

// turnRequest is the common body of routing and generation calls.
type turnRequest struct {
	Prompt       string                `json:"prompt" binding:"required"`
	History      []types.Turn          `json:"history"`
	ImageContext *types.Blob           `json:"imageContext"`
	Decision     *types.RouterDecision `json:"decision"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleRoute(c *gin.Context) {
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	decision := s.pipeline.Route(c.Request.Context(), req.Prompt, req.History, req.ImageContext)
	c.JSON(http.StatusOK, decision)
}

// handleGenerate streams a full generation turn as server-sent events, one
// event per orchestrator event. Client disconnect cancels the turn through
// the request context.
func (s *Server) handleGenerate(c *gin.Context) {
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	events := s.pipeline.Generate(c.Request.Context(), orchestrator.Request{
		Prompt:       req.Prompt,
		History:      req.History,
		ImageContext: req.ImageContext,
		Decision:     req.Decision,
	})

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return ev.Type != orchestrator.EventDone && ev.Type != orchestrator.EventError
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// runPreRouted executes a turn with a fixed decision and collects its
// terminal result, for the synchronous media endpoints.
func (s *Server) runPreRouted(c *gin.Context, req turnRequest, decision *types.RouterDecision) {
	var nodeID, asset, failure string
	for ev := range s.pipeline.Generate(c.Request.Context(), orchestrator.Request{
		Prompt:       req.Prompt,
		History:      req.History,
		ImageContext: req.ImageContext,
		Decision:     decision,
	}) {
		switch ev.Type {
		case orchestrator.EventAsset:
			nodeID, asset = ev.NodeID, ev.Text
		case orchestrator.EventError:
			failure = ev.Text
		}
	}

	if failure != "" {
		c.JSON(http.StatusBadGateway, gin.H{"error": failure})
		return
	}
	if asset == "" {
		c.JSON(http.StatusBadGateway, gin.H{"error": "generation produced no asset"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodeId": nodeID, "asset": asset})
}

type mediaRequest struct {
	Prompt       string      `json:"prompt" binding:"required"`
	Title        string      `json:"title"`
	AspectRatio  string      `json:"aspectRatio"`
	Quality      string      `json:"quality"`
	ImageContext *types.Blob `json:"imageContext"`
}

func (r mediaRequest) plan(t types.ArtifactType) *types.ArtifactPlan {
	title := r.Title
	if title == "" {
		title = r.Prompt
	}
	return &types.ArtifactPlan{
		Operation:   types.OperationCreate,
		Type:        t,
		Title:       title,
		AspectRatio: r.AspectRatio,
		Quality:     r.Quality,
	}
}

func (s *Server) handleImage(c *gin.Context) {
	var req mediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.runPreRouted(c, turnRequest{Prompt: req.Prompt, ImageContext: req.ImageContext}, &types.RouterDecision{
		TargetAgent: types.AgentImage,
		Reasoning:   "direct image request",
		Artifact:    req.plan(types.ArtifactImage),
	})
}

func (s *Server) handleVideo(c *gin.Context) {
	var req mediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.runPreRouted(c, turnRequest{Prompt: req.Prompt, ImageContext: req.ImageContext}, &types.RouterDecision{
		TargetAgent: types.AgentVideo,
		Reasoning:   "direct video request",
		Artifact:    req.plan(types.ArtifactVideo),
	})
}

func (s *Server) handleCanvas(c *gin.Context) {
	store := s.pipeline.Canvas()
	c.JSON(http.StatusOK, gin.H{
		"nodes": store.Nodes(),
		"edges": store.Edges(),
	})
}

// handleVoice upgrades to a websocket and runs a live voice session bound
// to the request lifetime.
func (s *Server) handleVoice(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Server().Warnw("voice upgrade failed", "error", err)
		return
	}
	session := voice.NewSession(conn, s.pipeline)
	if err := session.Run(c.Request.Context()); err != nil && !errors.Is(err, context.Canceled) {
		logging.Server().Debugw("voice session ended", "error", err)
	}
}
