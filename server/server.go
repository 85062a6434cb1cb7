// Package server exposes the scheduler over HTTP: cron triggers, printer
// detection and control, prometheus metrics and a websocket feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/john/printfleet/fleet"
	"github.com/john/printfleet/lock"
	"github.com/john/printfleet/metrics"
	"github.com/john/printfleet/printer"
	"github.com/john/printfleet/scheduler"
	"github.com/john/printfleet/store"
)

// PassLockKey guards scheduler passes against overlapping triggers.
const PassLockKey = "scheduler-pass"

var errPassRunning = errors.New("a scheduler pass is already running")

// Scheduler is the part of scheduler.Scheduler the server drives.
type Scheduler interface {
	ProcessPendingJobs(ctx context.Context, scope fleet.Scope) scheduler.Summary
	RefreshStatuses(ctx context.Context, scope fleet.Scope) (int, error)
	Control(ctx context.Context, printerID string, action printer.Action) error
}

// Detector probes an address for a supported printer API.
type Detector interface {
	Detect(ctx context.Context, input string) printer.Detection
}

type Config struct {
	Host       string
	Port       int
	CronSecret string
	// Scope limits cron-triggered passes. The zero value covers every owner.
	Scope fleet.Scope
}

type Deps struct {
	Scheduler Scheduler
	Detector  Detector
	Locker    lock.Locker
	Hub       *Hub
	Gatherer  prometheus.Gatherer
	Logger    zerolog.Logger
}

// Server is the HTTP surface of printfleet.
type Server struct {
	cfg        Config
	sched      Scheduler
	detector   Detector
	locker     lock.Locker
	hub        *Hub
	gatherer   prometheus.Gatherer
	engine     *gin.Engine
	httpServer *http.Server
	log        zerolog.Logger
}

func New(cfg Config, deps Deps) *Server {
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewHub(deps.Logger)
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:      cfg,
		sched:    deps.Scheduler,
		detector: deps.Detector,
		locker:   locker,
		hub:      hub,
		gatherer: gatherer,
		log:      deps.Logger.With().Str("component", "server").Logger(),
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.engine.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Hub returns the websocket hub for external access (e.g. as a notifier).
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	cron := s.engine.Group("/api/cron", s.requireCronSecret())
	cron.GET("/process-queue", s.handleProcessQueue)
	cron.POST("/process-queue", s.handleProcessQueue)
	cron.GET("/update-printers", s.handleUpdatePrinters)
	cron.POST("/update-printers", s.handleUpdatePrinters)

	s.engine.GET("/api/printers/detect", s.handleDetect)
	s.engine.POST("/api/printers/:id/control", s.handleControl)
	s.engine.GET("/api/ws", gin.WrapF(s.hub.HandleWebSocket))
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler(s.gatherer)))

	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"result": "printfleet"})
	})
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server starting")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server and disconnects websocket
// clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// RunPass runs one scheduler pass under the pass lock and broadcasts the
// summary. It returns lock.ErrHeld when another pass is running.
func (s *Server) RunPass(ctx context.Context, scope fleet.Scope) (scheduler.Summary, error) {
	release, err := s.locker.TryLock(ctx, PassLockKey)
	if err != nil {
		return scheduler.Summary{}, err
	}
	defer release()

	sum := s.sched.ProcessPendingJobs(ctx, scope)
	s.hub.BroadcastPass(sum)
	return sum, nil
}

func (s *Server) requireCronSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.CronSecret == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token != s.cfg.CronSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleProcessQueue(c *gin.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("Scheduler pass panicked")
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": fmt.Sprint(r)})
		}
	}()

	sum, err := s.RunPass(c.Request.Context(), s.cfg.Scope)
	switch {
	case errors.Is(err, lock.ErrHeld):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": errPassRunning.Error()})
	case err != nil:
		s.log.Error().Err(err).Msg("Failed to acquire pass lock")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "result": sum})
	}
}

func (s *Server) handleUpdatePrinters(c *gin.Context) {
	release, err := s.locker.TryLock(c.Request.Context(), PassLockKey)
	switch {
	case errors.Is(err, lock.ErrHeld):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": errPassRunning.Error()})
		return
	case err != nil:
		s.log.Error().Err(err).Msg("Failed to acquire pass lock")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	defer release()

	n, err := s.sched.RefreshStatuses(c.Request.Context(), s.cfg.Scope)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to refresh printer statuses")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "updated": n})
}

func (s *Server) handleDetect(c *gin.Context) {
	address := strings.TrimSpace(c.Query("address"))
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "address is required"})
		return
	}
	c.JSON(http.StatusOK, s.detector.Detect(c.Request.Context(), address))
}

type controlRequest struct {
	Action printer.Action `json:"action" binding:"required"`
}

func (s *Server) handleControl(c *gin.Context) {
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	err := s.sched.Control(c.Request.Context(), c.Param("id"), req.Action)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true})
	case errors.Is(err, scheduler.ErrUnknownAction):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, printer.ErrControlUnsupported):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "error": err.Error()})
	default:
		s.log.Error().Err(err).Str("printer", c.Param("id")).Str("action", string(req.Action)).Msg("Print control failed")
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error()})
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("HTTP request")
	}
}
