package order

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskpay/internal/pagination"
	"github.com/mbd888/taskpay/internal/validation"
)

// Handler provides HTTP endpoints for order lifecycle operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/orders", h.ListOrders)
	r.POST("/orders/:id/deliver", h.Deliver)
	r.POST("/orders/:id/accept", h.Accept)
	r.POST("/orders/:id/refund-request", h.RequestRefund)
	r.POST("/orders/:id/cancel-request", h.RequestCancel)
	r.POST("/orders/:id/refund-approve", h.ApproveRefund)
	r.POST("/orders/:id/dispute", h.Dispute)
	r.POST("/orders/:id/dispute/withdraw", h.WithdrawDispute)
	r.POST("/orders/:id/dispute/escalate", h.Escalate)
}

// RegisterAdminRoutes sets up arbitration routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/arbitrate/payout", h.ArbitratePayout)
	r.POST("/orders/:id/arbitrate/refund", h.ArbitrateRefund)
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("creator_id", req.CreatorID),
		validation.ValidAmount("gross_amount", req.GrossAmount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	o, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "order_failed",
			"message": "Failed to create order",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListOrders handles GET /v1/orders?status=
func (h *Handler) ListOrders(c *gin.Context) {
	status := Status(c.Query("status"))
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	var opts []ListOption
	if cursor := c.Query("cursor"); cursor != "" {
		opts = append(opts, WithCursor(cursor))
	}

	// Fetch one past the page to learn whether more rows remain.
	orders, err := h.service.ListByStatus(c.Request.Context(), status, limit+1, opts...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	page, nextCursor, hasMore := pagination.ComputePage(orders, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	if page == nil {
		page = []*Order{}
	}

	c.JSON(http.StatusOK, gin.H{
		"orders":     page,
		"count":      len(page),
		"nextCursor": nextCursor,
		"hasMore":    hasMore,
	})
}

// Deliver handles POST /v1/orders/:id/deliver
func (h *Handler) Deliver(c *gin.Context) {
	o, err := h.service.Deliver(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// Accept handles POST /v1/orders/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	var req struct {
		ProviderID string `json:"providerId"`
	}
	_ = c.ShouldBindJSON(&req)

	if req.ProviderID != "" {
		if errs := validation.Validate(
			validation.ValidAddress("provider_id", req.ProviderID),
		); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": errs.Error(),
			})
			return
		}
	}

	o, err := h.service.Accept(c.Request.Context(), c.Param("id"), req.ProviderID)
	if err != nil {
		respondTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// RequestRefund handles POST /v1/orders/:id/refund-request
func (h *Handler) RequestRefund(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	o, err := h.service.RequestRefund(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// RequestCancel handles POST /v1/orders/:id/cancel-request
func (h *Handler) RequestCancel(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	o, err := h.service.RequestCancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ApproveRefund handles POST /v1/orders/:id/refund-approve
func (h *Handler) ApproveRefund(c *gin.Context) {
	o, err := h.service.ApproveRefund(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// Dispute handles POST /v1/orders/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	o, err := h.service.Dispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// WithdrawDispute handles POST /v1/orders/:id/dispute/withdraw
func (h *Handler) WithdrawDispute(c *gin.Context) {
	var req struct {
		ReturnTo string `json:"returnTo" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "returnTo is required (delivered or in_progress)",
		})
		return
	}

	o, err := h.service.WithdrawDispute(c.Request.Context(), c.Param("id"), Status(req.ReturnTo))
	if err != nil {
		respondTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// Escalate handles POST /v1/orders/:id/dispute/escalate
func (h *Handler) Escalate(c *gin.Context) {
	o, err := h.service.Escalate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ArbitratePayout handles POST /v1/admin/orders/:id/arbitrate/payout
func (h *Handler) ArbitratePayout(c *gin.Context) {
	o, err := h.service.ArbitratePayout(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ArbitrateRefund handles POST /v1/admin/orders/:id/arbitrate/refund
func (h *Handler) ArbitrateRefund(c *gin.Context) {
	o, err := h.service.ArbitrateRefund(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

func respondTransitionError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	var invalid *InvalidTransitionError
	switch {
	case errors.Is(err, ErrOrderNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.As(err, &invalid):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrStatusConflict):
		status = http.StatusConflict
		code = "status_conflict"
	}

	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
