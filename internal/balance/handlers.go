package balance

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/vidgrow/vidgrow/internal/auth"
	"github.com/vidgrow/vidgrow/internal/ledger"
	"github.com/vidgrow/vidgrow/internal/money"
)

// Handler provides HTTP endpoints for balance operations
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new balance handler
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up user-scoped balance routes. Callers guard the
// group with ownership middleware so users only touch their own balance.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:userId/balance", h.GetBalance)
	r.GET("/users/:userId/transactions", h.GetHistory)
	r.POST("/users/:userId/deposit", h.Deposit)
	r.POST("/users/:userId/deduct", h.Deduct)
	r.POST("/users/:userId/refund", h.Refund)
}

// RegisterTransferRoutes sets up the transfer route. Not user-scoped in the
// URL; the handler checks the sender against the authenticated user.
func (h *Handler) RegisterTransferRoutes(r *gin.RouterGroup) {
	r.POST("/transfers", h.Transfer)
}

// RegisterAdminRoutes sets up admin-only balance routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/users/:userId/adjust", h.Adjust)
	r.POST("/users/:userId/bonus", h.Bonus)
}

type amountRequest struct {
	Amount      string `json:"amount" binding:"required"`
	OrderID     *int64 `json:"orderId"`
	ReferenceID string `json:"referenceId"`
	Description string `json:"description"`
}

type transferRequest struct {
	FromUserID  int64  `json:"fromUserId" binding:"required"`
	ToUserID    int64  `json:"toUserId" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
}

func userIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return 0, false
	}
	return id, true
}

func requestMeta(c *gin.Context, referenceID string) Meta {
	return Meta{
		ReferenceID: referenceID,
		IP:          c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		SessionID:   c.GetHeader("X-Session-ID"),
	}
}

func writeOpError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount"})
	case errors.Is(err, ErrInsufficientBalance):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_balance"})
	case errors.Is(err, ErrSelfTransfer):
		c.JSON(http.StatusBadRequest, gin.H{"error": "self_transfer"})
	case errors.Is(err, ledger.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
	case errors.Is(err, ledger.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "concurrent_update",
			"message": "Balance is being updated concurrently, try again",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance_error", "message": err.Error()})
	}
}

func parseAmount(c *gin.Context, raw string) (decimal.Decimal, bool) {
	amount, err := money.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount"})
		return decimal.Zero, false
	}
	return amount, true
}

// GetBalance handles GET /users/:userId/balance
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	user, err := h.svc.GetUser(c.Request.Context(), userID)
	if err != nil {
		writeOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":     user.ID,
		"balance":    user.Balance.String(),
		"totalSpent": user.TotalSpent.String(),
		"version":    user.Version,
	})
}

// GetHistory handles GET /users/:userId/transactions
func (h *Handler) GetHistory(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	txns, err := h.svc.History(c.Request.Context(), userID, limit)
	if err != nil {
		writeOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns, "count": len(txns)})
}

// Deposit handles POST /users/:userId/deposit
func (h *Handler) Deposit(c *gin.Context) {
	h.mutate(c, func(userID int64, req amountRequest, amount decimal.Decimal) (*ledger.Transaction, error) {
		return h.svc.AddBalance(c.Request.Context(), userID, amount, req.Description, requestMeta(c, req.ReferenceID))
	})
}

// Deduct handles POST /users/:userId/deduct
func (h *Handler) Deduct(c *gin.Context) {
	h.mutate(c, func(userID int64, req amountRequest, amount decimal.Decimal) (*ledger.Transaction, error) {
		return h.svc.DeductBalance(c.Request.Context(), userID, amount, req.OrderID, req.Description, requestMeta(c, req.ReferenceID))
	})
}

// Refund handles POST /users/:userId/refund
func (h *Handler) Refund(c *gin.Context) {
	h.mutate(c, func(userID int64, req amountRequest, amount decimal.Decimal) (*ledger.Transaction, error) {
		return h.svc.Refund(c.Request.Context(), userID, amount, req.OrderID, req.Description, requestMeta(c, req.ReferenceID))
	})
}

// Adjust handles POST /users/:userId/adjust
func (h *Handler) Adjust(c *gin.Context) {
	h.mutate(c, func(userID int64, req amountRequest, amount decimal.Decimal) (*ledger.Transaction, error) {
		return h.svc.AdjustBalance(c.Request.Context(), userID, amount, req.Description, requestMeta(c, req.ReferenceID))
	})
}

// Bonus handles POST /users/:userId/bonus
func (h *Handler) Bonus(c *gin.Context) {
	h.mutate(c, func(userID int64, req amountRequest, amount decimal.Decimal) (*ledger.Transaction, error) {
		return h.svc.AddBonus(c.Request.Context(), userID, amount, req.Description, requestMeta(c, req.ReferenceID))
	})
}

func (h *Handler) mutate(c *gin.Context, op func(int64, amountRequest, decimal.Decimal) (*ledger.Transaction, error)) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	// Adjustments carry signed amounts, so parse without a sign check here;
	// each operation validates its own precondition.
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount"})
		return
	}
	txn, err := op(userID, req, amount)
	if err != nil {
		writeOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// Transfer handles POST /transfers
func (h *Handler) Transfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if uid := auth.AuthenticatedUserID(c); uid != 0 && uid != req.FromUserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Can only transfer from your own account"})
		return
	}
	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}
	out, in, err := h.svc.TransferBalance(c.Request.Context(), req.FromUserID, req.ToUserID, amount, req.Description, requestMeta(c, ""))
	if err != nil {
		writeOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"debit": out, "credit": in})
}
