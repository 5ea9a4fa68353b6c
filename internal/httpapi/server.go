// Package httpapi exposes the price manager over HTTP and websocket.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pricefeed/internal/alerting"
	"pricefeed/internal/metrics"
	"pricefeed/internal/model"
	"pricefeed/internal/publish"
	"pricefeed/internal/service"
)

// PriceService is the manager contract used by the handlers.
type PriceService interface {
	Snapshot() []model.DerivedPrice
	Subscribe() *publish.Subscription
	Status() service.Status
	Extrema() []model.DailyExtrema
	Formulas(source model.Source) ([]model.FormulaRow, error)
	History(ctx context.Context, instrument string, from, to time.Time) ([]model.HistoryPoint, error)
	SetActiveSource(ctx context.Context, source model.Source) error
	SetAutoFallback(ctx context.Context, enabled bool) error
	SetStaleAfterSeconds(ctx context.Context, seconds int) error
	ResetManualOverride(ctx context.Context) error
	OnFormulaCatalogueChanged(ctx context.Context, source model.Source) error
	UpsertFormula(ctx context.Context, row model.FormulaRow) error
	DeleteFormula(ctx context.Context, instrument string, source model.Source) error
}

// AlertService manages subscriber alerts.
type AlertService interface {
	Create(ctx context.Context, req alerting.AlertRequest) (model.Alert, error)
	List(ctx context.Context, subscriberID string) ([]model.Alert, error)
	Reactivate(ctx context.Context, id uuid.UUID) error
}

// Options configure the server.
type Options struct {
	Addr            string
	Mode            string
	AdminToken      string
	ShutdownTimeout time.Duration
}

// Server wires handlers onto a gin engine.
type Server struct {
	opts     Options
	svc      PriceService
	alerts   AlertService
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewServer builds a server. alerts and m may be nil.
func NewServer(opts Options, svc PriceService, alerts AlertService, m *metrics.Metrics, logger zerolog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		opts:    opts,
		svc:     svc,
		alerts:  alerts,
		metrics: m,
		logger:  logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router returns the fully wired engine.
func (s *Server) Router() *gin.Engine {
	if s.opts.Mode != "" {
		gin.SetMode(s.opts.Mode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	r.GET("/ws", s.handleWS)

	s.Routes(r.Group("/api/v1"))
	return r
}

// Routes registers the JSON API under r.
func (s *Server) Routes(r *gin.RouterGroup) {
	r.GET("/prices", s.getPrices)
	r.GET("/status", s.getStatus)
	r.GET("/extrema", s.getExtrema)
	r.GET("/history", s.getHistory)

	admin := r.Group("/admin", s.requireAdmin())
	{
		admin.POST("/source", s.setSource)
		admin.POST("/auto-fallback", s.setAutoFallback)
		admin.POST("/stale-after", s.setStaleAfter)
		admin.POST("/manual-override/reset", s.resetOverride)

		admin.GET("/formulas", s.listFormulas)
		admin.PUT("/formulas", s.putFormula)
		admin.DELETE("/formulas", s.deleteFormula)
		admin.POST("/formulas/reload", s.reloadFormulas)
	}

	if s.alerts != nil {
		alerts := r.Group("/alerts")
		{
			alerts.POST("", s.createAlert)
			alerts.GET("", s.listAlerts)
			alerts.POST("/:id/reactivate", s.reactivateAlert)
		}
	}
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(started)).
			Msg("http request")
	}
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.AdminToken == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+s.opts.AdminToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
