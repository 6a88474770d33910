package server

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"TradeSentinel/internal/model"
	"TradeSentinel/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Status is the host state reported by /health.
type Status struct {
	ActiveTenants     int
	OpenPositions     int
	InFlight          int
	IngestorConnected bool
	LastCandleUpdate  time.Time
	ShuttingDown      bool
}

// Health is the /health response body.
type Health struct {
	Status            string    `json:"status"`
	Version           string    `json:"version"`
	Uptime            float64   `json:"uptime_seconds"`
	ActiveTenants     int       `json:"active_tenants"`
	OpenPositions     int       `json:"open_positions"`
	InFlight          int       `json:"in_flight"`
	IngestorConnected bool      `json:"ingestor_connected"`
	LastCandleUpdate  time.Time `json:"last_candle_update"`
	MemoryUsageMB     uint64    `json:"memory_usage_mb"`
}

// PositionView is an open position with its live P&L.
type PositionView struct {
	model.Position
	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// ReloadResult reports the outcome of a configuration reload.
type ReloadResult struct {
	Tenants int               `json:"tenants"`
	Active  int               `json:"active"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// Backend is the host surface behind the management endpoints.
type Backend interface {
	Status() Status
	Positions() []PositionView
	Tenants() []model.TenantConfig
	Reload(ctx context.Context) (ReloadResult, error)
	PauseTenant(ctx context.Context, id string) error
	ResumeTenant(ctx context.Context, id string) error
	RequestShutdown()
}

// Server exposes health, positions, tenants, reload, shutdown and metrics.
type Server struct {
	router  *gin.Engine
	http    *http.Server
	backend Backend
	version string
	started time.Time
	log     zerolog.Logger
}

// New builds the router. metrics may be nil.
func New(addr, version string, backend Backend, metrics http.Handler, log zerolog.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:  router,
		backend: backend,
		version: version,
		started: time.Now(),
		log:     log.With().Str("component", "server").Logger(),
	}
	router.Use(s.accessLog())
	s.http = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.registerRoutes(metrics)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) registerRoutes(metrics http.Handler) {
	s.router.GET("/health", s.health)
	s.router.GET("/positions", s.positions)
	s.router.POST("/reload", s.reload)
	s.router.POST("/shutdown", s.shutdown)

	tenants := s.router.Group("/tenants")
	{
		tenants.GET("", s.tenants)
		tenants.POST("/:id/pause", s.pauseTenant)
		tenants.POST("/:id/resume", s.resumeTenant)
	}

	if metrics != nil {
		s.router.GET("/metrics", gin.WrapH(metrics))
	}
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().Str("method", c.Request.Method).Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).Dur("took", time.Since(start)).Msg("request")
	}
}

func (s *Server) health(c *gin.Context) {
	st := s.backend.Status()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	h := Health{
		Status:            "healthy",
		Version:           s.version,
		Uptime:            time.Since(s.started).Seconds(),
		ActiveTenants:     st.ActiveTenants,
		OpenPositions:     st.OpenPositions,
		InFlight:          st.InFlight,
		IngestorConnected: st.IngestorConnected,
		LastCandleUpdate:  st.LastCandleUpdate,
		MemoryUsageMB:     mem.Alloc / 1024 / 1024,
	}
	code := http.StatusOK
	switch {
	case st.ShuttingDown:
		h.Status = "shutting_down"
		code = http.StatusServiceUnavailable
	case !st.IngestorConnected:
		h.Status = "degraded"
	}
	c.JSON(code, h)
}

func (s *Server) positions(c *gin.Context) {
	positions := s.backend.Positions()
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (s *Server) tenants(c *gin.Context) {
	tenants := s.backend.Tenants()
	c.JSON(http.StatusOK, gin.H{"tenants": tenants, "count": len(tenants)})
}

func (s *Server) reload(c *gin.Context) {
	res, err := s.backend.Reload(c.Request.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("reload failed")
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	s.log.Info().Int("tenants", res.Tenants).Int("active", res.Active).Msg("configuration reloaded")
	c.JSON(http.StatusOK, res)
}

func (s *Server) shutdown(c *gin.Context) {
	s.backend.RequestShutdown()
	c.JSON(http.StatusAccepted, gin.H{"status": "shutting_down"})
}

func (s *Server) pauseTenant(c *gin.Context) {
	s.tenantAction(c, s.backend.PauseTenant)
}

func (s *Server) resumeTenant(c *gin.Context) {
	s.tenantAction(c, s.backend.ResumeTenant)
}

func (s *Server) tenantAction(c *gin.Context, fn func(context.Context, string) error) {
	id := c.Param("id")
	if err := fn(c.Request.Context(), id); err != nil {
		status := http.StatusConflict
		if errors.Is(err, scheduler.ErrUnknownTenant) {
			status = http.StatusNotFound
		}
		writeError(c, status, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "ok"})
}

func writeError(c *gin.Context, status int, err error) {
	if err == nil {
		status = http.StatusInternalServerError
		err = errors.New("unknown error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
