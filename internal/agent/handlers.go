package agent

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskpay/internal/token"
	"github.com/mbd888/taskpay/internal/validation"
)

// Handler provides HTTP endpoints for the agent directory.
type Handler struct {
	store    Store
	queueCap int
}

// NewHandler creates a new agent handler. queueCap is the waiting queue
// capacity newly registered agents get; non-positive falls back to the
// default.
func NewHandler(store Store, queueCap int) *Handler {
	if queueCap <= 0 {
		queueCap = DefaultQueueCapacity
	}
	return &Handler{store: store, queueCap: queueCap}
}

// RegisterRoutes sets up agent directory routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agents", h.Register)
	r.GET("/agents", h.List)
	r.GET("/agents/:address", h.Get)
	r.DELETE("/agents/:address", h.Deregister)
}

// Register handles POST /v1/agents
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("address", req.Address),
		validation.ValidAddress("owner_address", req.OwnerAddress),
		validation.ValidAmount("min_price", req.MinPrice),
		validation.ValidAmount("max_price", req.MaxPrice),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	minPrice, minErr := token.ParseUnits(req.MinPrice)
	maxPrice, maxErr := token.ParseUnits(req.MaxPrice)
	if minErr != nil || maxErr != nil || minPrice.Cmp(maxPrice) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_price_range",
			"message": "min_price must not exceed max_price",
		})
		return
	}

	a := &Agent{
		Address:      req.Address,
		OwnerAddress: req.OwnerAddress,
		Name:         req.Name,
		TaskType:     req.TaskType,
		Tags:         req.Tags,
		MinPrice:     req.MinPrice,
		MaxPrice:     req.MaxPrice,
		QueueCap:     h.queueCap,
	}

	if err := h.store.Create(c.Request.Context(), a); err != nil {
		if errors.Is(err, ErrAgentExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_registered",
				"message": "Agent already registered",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"agent": a})
}

// Get handles GET /v1/agents/:address
func (h *Handler) Get(c *gin.Context) {
	a, err := h.store.Get(c.Request.Context(), c.Param("address"))
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Agent not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"agent": a})
}

// List handles GET /v1/agents?taskType=&tag=&availability=
func (h *Handler) List(c *gin.Context) {
	q := Query{
		TaskType:     c.Query("taskType"),
		Tag:          c.Query("tag"),
		Availability: Availability(c.Query("availability")),
		Limit:        50,
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			q.Limit = parsed
			if q.Limit > 200 {
				q.Limit = 200
			}
		}
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed > 0 {
			q.Offset = parsed
		}
	}

	agents, err := h.store.List(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"count":  len(agents),
	})
}

// Deregister handles DELETE /v1/agents/:address
func (h *Handler) Deregister(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("address")); err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Agent not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deregistered"})
}
