package orderstate

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vidgrow/vidgrow/internal/ledger"
)

// Handler provides HTTP endpoints for the order processing pipeline
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new order state handler
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up order state routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:orderId", h.GetOrder)
	r.POST("/orders/:orderId/claim", h.Claim)
	r.POST("/orders/:orderId/activate", h.Activate)
	r.POST("/orders/:orderId/hold", h.Hold)
	r.POST("/orders/:orderId/progress", h.Progress)
	r.POST("/orders/:orderId/phase", h.Phase)
}

func orderIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("orderId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order_id"})
		return 0, false
	}
	return id, true
}

func writeOrderError(c *gin.Context, err error) {
	if errors.Is(err, ledger.ErrOrderNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "order_error", "message": err.Error()})
}

// GetOrder handles GET /orders/:orderId
func (h *Handler) GetOrder(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	order, err := h.svc.store.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	resp := gin.H{"order": order}
	if state := h.svc.ProcessingStateFor(orderID); state != nil {
		resp["processingState"] = state
	}
	c.JSON(http.StatusOK, resp)
}

// Claim handles POST /orders/:orderId/claim
func (h *Handler) Claim(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req struct {
		VideoID string `json:"videoId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	res, err := h.svc.ValidateAndUpdateOrderForProcessing(c.Request.Context(), orderID, req.VideoID)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	c.JSON(status, res)
}

// Activate handles POST /orders/:orderId/activate
func (h *Handler) Activate(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req struct {
		StartCount int64 `json:"startCount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	res, err := h.svc.TransitionToActive(c.Request.Context(), orderID, req.StartCount)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeTransition(c, res)
}

// Hold handles POST /orders/:orderId/hold
func (h *Handler) Hold(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	res, err := h.svc.TransitionToHolding(c.Request.Context(), orderID, req.Reason)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeTransition(c, res)
}

// Progress handles POST /orders/:orderId/progress
func (h *Handler) Progress(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req struct {
		CurrentViewCount int64 `json:"currentViewCount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	res, err := h.svc.UpdateOrderProgress(c.Request.Context(), orderID, req.CurrentViewCount)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Phase handles POST /orders/:orderId/phase
func (h *Handler) Phase(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req struct {
		Phase   string `json:"phase" binding:"required"`
		Details string `json:"details"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	h.svc.UpdateProcessingStatus(orderID, ledger.ProcessingPhase(req.Phase), req.Details)
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

func writeTransition(c *gin.Context, res *TransitionResult) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	c.JSON(status, res)
}
