package matching

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskpay/internal/order"
	"github.com/mbd888/taskpay/internal/validation"
)

// Handler provides HTTP endpoints for matching operations.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new matching handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up matching routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/match", h.AutoMatch)
	r.POST("/orders/:id/match/manual", h.ManualMatch)
	r.POST("/orders/:id/pairing/confirm", h.ConfirmPairing)
	r.POST("/orders/:id/pairing/decline", h.DeclinePairing)
	r.GET("/queue/:itemId/position", h.QueuePosition)
	r.POST("/queue/:itemId/cancel", h.CancelQueued)
}

// AutoMatch handles POST /v1/orders/:id/match
func (h *Handler) AutoMatch(c *gin.Context) {
	var req MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "taskType is required",
		})
		return
	}

	result, err := h.engine.AutoMatch(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondMatchError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// ManualMatch handles POST /v1/orders/:id/match/manual
func (h *Handler) ManualMatch(c *gin.Context) {
	var req struct {
		AgentAddress string `json:"agentAddress" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "agentAddress is required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("agent_address", req.AgentAddress),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	result, err := h.engine.ManualMatch(c.Request.Context(), c.Param("id"), req.AgentAddress)
	if err != nil {
		respondMatchError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// ConfirmPairing handles POST /v1/orders/:id/pairing/confirm
func (h *Handler) ConfirmPairing(c *gin.Context) {
	o, err := h.engine.ConfirmPairing(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondMatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// DeclinePairing handles POST /v1/orders/:id/pairing/decline
func (h *Handler) DeclinePairing(c *gin.Context) {
	o, err := h.engine.DeclinePairing(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondMatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// QueuePosition handles GET /v1/queue/:itemId/position
func (h *Handler) QueuePosition(c *gin.Context) {
	pos, err := h.engine.Position(c.Request.Context(), c.Param("itemId"))
	if err != nil {
		respondMatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"position": pos})
}

// CancelQueued handles POST /v1/queue/:itemId/cancel
func (h *Handler) CancelQueued(c *gin.Context) {
	if err := h.engine.CancelQueued(c.Request.Context(), c.Param("itemId")); err != nil {
		respondMatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "canceled"})
}

func respondMatchError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	var invalid *order.InvalidTransitionError
	switch {
	case errors.Is(err, order.ErrOrderNotFound), errors.Is(err, ErrItemNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNoAgentAvailable):
		status = http.StatusNotFound
		code = "no_agent_available"
	case errors.Is(err, ErrQueueFull):
		status = http.StatusConflict
		code = "queue_full"
	case errors.Is(err, ErrNotQueued):
		status = http.StatusConflict
		code = "not_queued"
	case errors.As(err, &invalid):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, order.ErrStatusConflict):
		status = http.StatusConflict
		code = "status_conflict"
	}

	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
