package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vidgrow/vidgrow/internal/auth"
	"github.com/vidgrow/vidgrow/internal/balance"
	"github.com/vidgrow/vidgrow/internal/ledger"
	"github.com/vidgrow/vidgrow/internal/logging"
	"github.com/vidgrow/vidgrow/internal/money"
	"github.com/vidgrow/vidgrow/internal/security"
	"github.com/vidgrow/vidgrow/internal/validation"
)

type placeOrderRequest struct {
	ServiceID int64  `json:"serviceId" binding:"required"`
	Link      string `json:"link" binding:"required"`
	Quantity  int64  `json:"quantity" binding:"required"`
	Charge    string `json:"charge" binding:"required"`
}

// placeOrder handles POST /v1/orders
//
// Creates a PENDING order and debits the charge from the user's balance.
// If the debit fails the order is canceled so no unpaid work enters the
// pipeline.
func (s *Server) placeOrder(c *gin.Context) {
	ctx := c.Request.Context()

	userID := auth.AuthenticatedUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if verrs := validation.Validate(
		validation.ValidLink("link", req.Link),
		validation.ValidQuantity("quantity", req.Quantity),
		validation.MaxLength("link", req.Link, validation.MaxStringLength),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": verrs})
		return
	}

	if err := security.ValidateOrderLink(req.Link); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_link",
			"message": err.Error(),
		})
		return
	}

	charge, err := money.Parse(req.Charge)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_charge"})
		return
	}

	order := &ledger.Order{
		UserID:     userID,
		ServiceID:  req.ServiceID,
		Link:       req.Link,
		Quantity:   req.Quantity,
		Remains:    req.Quantity,
		Charge:     charge,
		Status:     ledger.StatusPending,
		MaxRetries: int64(s.cfg.RecoveryMaxRetries),
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		logging.L(ctx).Error("failed to create order", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "order_create_failed"})
		return
	}

	txn, err := s.balanceSvc.DeductBalance(ctx, userID, charge, &order.ID,
		"Order payment", balance.Meta{
			ReferenceID: "order:" + strconv.FormatInt(order.ID, 10),
			IP:          c.ClientIP(),
			UserAgent:   c.Request.UserAgent(),
			SessionID:   c.GetHeader("X-Session-ID"),
		})
	if err != nil {
		// Unpaid orders never reach the pipeline.
		if _, cancelErr := s.store.UpdateOrderStatusIf(ctx, order.ID, ledger.StatusPending, ledger.StatusCanceled); cancelErr != nil {
			logging.L(ctx).Error("failed to cancel unpaid order", "order_id", order.ID, "error", cancelErr)
		}
		switch {
		case errors.Is(err, balance.ErrInsufficientBalance):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "insufficient_balance",
				"message": "Balance does not cover the order charge",
			})
		case errors.Is(err, ledger.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
		default:
			logging.L(ctx).Error("order payment failed", "order_id", order.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "payment_failed"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order":       order,
		"transaction": txn,
	})
}

// getOrder handles GET /v1/orders/:orderId
func (s *Server) getOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("orderId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order_id"})
		return
	}

	order, err := s.store.GetOrder(c.Request.Context(), orderID)
	if errors.Is(err, ledger.ErrOrderNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "order_error"})
		return
	}

	// Users only see their own orders
	if order.UserID != auth.AuthenticatedUserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
		return
	}

	resp := gin.H{"order": order}
	if state := s.orderSvc.ProcessingStateFor(orderID); state != nil {
		resp["processingState"] = state
	}
	c.JSON(http.StatusOK, resp)
}
