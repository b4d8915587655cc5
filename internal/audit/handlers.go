package audit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vidgrow/vidgrow/internal/ledger"
)

// RegisterAdminRoutes mounts the operator audit endpoints on the given
// router group.
func (s *Service) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/audit/reconcile/:userId", s.handleReconcile)
	r.POST("/audit/verify-daily", s.handleVerifyDaily)
	r.GET("/audit/integrity/:userId", s.handleIntegrity)
	r.GET("/audit/report/:userId", s.handleTrailReport)
}

func (s *Service) handleReconcile(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	r, err := s.ReconcileUserBalance(c.Request.Context(), userID)
	if errors.Is(err, ledger.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Service) handleVerifyDaily(c *gin.Context) {
	date := time.Now().UTC()
	if d := c.Query("date"); d != "" {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date", "message": "expected YYYY-MM-DD"})
			return
		}
		date = parsed
	}
	// Detach from the request context so the sweep survives the response.
	s.PerformDailyBalanceVerification(context.WithoutCancel(c.Request.Context()), date)
	c.JSON(http.StatusAccepted, gin.H{"status": "verification_started", "date": date.Format("2006-01-02")})
}

func (s *Service) handleIntegrity(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	from, to, err := parseWindow(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_window", "message": err.Error()})
		return
	}
	report, err := s.VerifyAuditTrailIntegrity(c.Request.Context(), userID, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Service) handleTrailReport(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	from, to, err := parseWindow(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_window", "message": err.Error()})
		return
	}
	report, err := s.GenerateAuditTrailReport(c.Request.Context(), userID, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "report_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// parseWindow reads optional RFC3339 "from"/"to" query params. Defaults to
// the last 30 days.
func parseWindow(c *gin.Context) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	to := now
	if v := c.Query("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = parsed
	}
	if v := c.Query("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = parsed
	}
	return from, to, nil
}
