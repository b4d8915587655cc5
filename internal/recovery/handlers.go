package recovery

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vidgrow/vidgrow/internal/ledger"
)

// Handler provides HTTP endpoints for failure reporting and recovery
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new recovery handler
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up the pipeline-facing failure reporting route
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:orderId/error", h.RecordError)
}

// RegisterAdminRoutes sets up operator-facing recovery routes
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/recovery/orders/:orderId/retry", h.ManualRetry)
	r.POST("/recovery/orders/:orderId/dead-letter", h.DeadLetter)
	r.GET("/recovery/dead-letter", h.ListDeadLetter)
	r.GET("/recovery/statistics", h.Statistics)
	r.POST("/recovery/sweep", h.Sweep)
}

func orderIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("orderId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order_id"})
		return 0, false
	}
	return id, true
}

func writeRecoveryError(c *gin.Context, err error) {
	if errors.Is(err, ledger.ErrOrderNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "recovery_error", "message": err.Error()})
}

// RecordError handles POST /orders/:orderId/error
func (h *Handler) RecordError(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req struct {
		ErrorType   string `json:"errorType" binding:"required"`
		Message     string `json:"message" binding:"required"`
		FailedPhase string `json:"failedPhase"`
		StackTrace  string `json:"stackTrace"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	res, err := h.svc.RecordErrorAndScheduleRetry(c.Request.Context(), orderID,
		req.ErrorType, req.Message, ledger.ProcessingPhase(req.FailedPhase), req.StackTrace)
	if err != nil {
		writeRecoveryError(c, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	c.JSON(status, res)
}

// ManualRetry handles POST /recovery/orders/:orderId/retry
func (h *Handler) ManualRetry(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req struct {
		OperatorNotes   string `json:"operatorNotes"`
		ResetRetryCount bool   `json:"resetRetryCount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	res, err := h.svc.ManualRetry(c.Request.Context(), orderID, req.OperatorNotes, req.ResetRetryCount)
	if err != nil {
		writeRecoveryError(c, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	c.JSON(status, res)
}

// DeadLetter handles POST /recovery/orders/:orderId/dead-letter
func (h *Handler) DeadLetter(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	res, err := h.svc.MoveToDeadLetterQueue(c.Request.Context(), orderID, req.Reason)
	if err != nil {
		writeRecoveryError(c, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	c.JSON(status, res)
}

// ListDeadLetter handles GET /recovery/dead-letter
func (h *Handler) ListDeadLetter(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = n
	}
	orders, err := h.svc.DeadLetterOrders(c.Request.Context(), limit)
	if err != nil {
		writeRecoveryError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// Statistics handles GET /recovery/statistics
func (h *Handler) Statistics(c *gin.Context) {
	stats, err := h.svc.GetErrorStatistics(c.Request.Context())
	if err != nil {
		writeRecoveryError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Sweep handles POST /recovery/sweep, an operator-triggered retry sweep
func (h *Handler) Sweep(c *gin.Context) {
	res, err := h.svc.ProcessScheduledRetries(c.Request.Context())
	if err != nil {
		writeRecoveryError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
