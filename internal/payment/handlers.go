package payment

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskpay/internal/order"
	"github.com/mbd888/taskpay/internal/settlement"
)

// Handler provides HTTP endpoints for payment verification and funding.
type Handler struct {
	verifier *Verifier
	funding  *FundingService
}

// NewHandler creates a new payment handler.
func NewHandler(verifier *Verifier, funding *FundingService) *Handler {
	return &Handler{verifier: verifier, funding: funding}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/verify", h.Verify)
	r.POST("/orders/:id/fund", h.Fund)
}

// Verify handles POST /v1/payments/verify
func (h *Handler) Verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "txHash, from, to and amount are required",
		})
		return
	}

	result, err := h.verifier.VerifyPayment(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrRPCUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "rpc_unavailable",
				"message": "Chain RPC is temporarily unavailable, retry later",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"verification": result})
}

// Fund handles POST /v1/orders/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	var req struct {
		TxHash string `json:"txHash" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "txHash is required",
		})
		return
	}

	result, err := h.funding.Fund(c.Request.Context(), c.Param("id"), req.TxHash)
	if err != nil {
		var failed *VerificationFailedError
		var violation *settlement.IdempotencyViolationError
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
		case errors.Is(err, ErrOrderNotFundable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_state",
				"message": err.Error(),
			})
		case errors.As(err, &failed):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":        "verification_failed",
				"message":      err.Error(),
				"verification": failed.Verification,
			})
		case errors.As(err, &violation):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_settled",
				"message": err.Error(),
			})
		case errors.Is(err, ErrRPCUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "rpc_unavailable",
				"message": "Chain RPC is temporarily unavailable, retry later",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"funding": result})
}
