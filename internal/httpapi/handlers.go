package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"pricefeed/internal/alerting"
	"pricefeed/internal/failover"
	"pricefeed/internal/model"
	"pricefeed/internal/service"
	"pricefeed/internal/storage"
)

func (s *Server) getPrices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"prices": s.svc.Snapshot()})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Status())
}

func (s *Server) getExtrema(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"extrema": s.svc.Extrema()})
}

func (s *Server) getHistory(c *gin.Context) {
	instrument := strings.TrimSpace(c.Query("instrument"))
	if instrument == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instrument is required"})
		return
	}
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
	}
	points, err := s.svc.History(c.Request.Context(), instrument, from, to)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instrument": strings.ToUpper(instrument), "points": points})
}

func (s *Server) setSource(c *gin.Context) {
	var req struct {
		Source model.Source `json:"source"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := s.svc.SetActiveSource(c.Request.Context(), req.Source); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.svc.Status())
}

func (s *Server) setAutoFallback(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled is required"})
		return
	}
	if err := s.svc.SetAutoFallback(c.Request.Context(), *req.Enabled); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.svc.Status())
}

func (s *Server) setStaleAfter(c *gin.Context) {
	var req struct {
		Seconds int `json:"seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := s.svc.SetStaleAfterSeconds(c.Request.Context(), req.Seconds); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.svc.Status())
}

func (s *Server) resetOverride(c *gin.Context) {
	if err := s.svc.ResetManualOverride(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.svc.Status())
}

func (s *Server) listFormulas(c *gin.Context) {
	rows, err := s.svc.Formulas(model.Source(c.DefaultQuery("source", string(model.SourcePrimary))))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"formulas": rows})
}

func (s *Server) putFormula(c *gin.Context) {
	var row model.FormulaRow
	if err := c.ShouldBindJSON(&row); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := row.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.svc.UpsertFormula(c.Request.Context(), row); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) deleteFormula(c *gin.Context) {
	instrument := strings.TrimSpace(c.Query("instrument"))
	if instrument == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instrument is required"})
		return
	}
	if err := s.svc.DeleteFormula(c.Request.Context(), instrument, model.Source(c.Query("source"))); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) reloadFormulas(c *gin.Context) {
	if err := s.svc.OnFormulaCatalogueChanged(c.Request.Context(), model.Source(c.Query("source"))); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) createAlert(c *gin.Context) {
	var req alerting.AlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	alert, err := s.alerts.Create(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, alert)
}

func (s *Server) listAlerts(c *gin.Context) {
	subscriber := strings.TrimSpace(c.Query("subscriber"))
	if subscriber == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subscriber is required"})
		return
	}
	alerts, err := s.alerts.List(c.Request.Context(), subscriber)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (s *Server) reactivateAlert(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	if err := s.alerts.Reactivate(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fail maps domain errors onto HTTP status codes.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrUnknownSource),
		errors.Is(err, failover.ErrInvalidStaleAfter),
		errors.Is(err, alerting.ErrInvalidAlert):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
