package seller

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/amana/internal/auth"
	"github.com/mbd888/amana/internal/authz"
	"github.com/mbd888/amana/internal/validation"
)

// Handler provides HTTP endpoints for the seller registry.
type Handler struct {
	service *Service
}

// NewHandler creates a new seller handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up seller routes for authenticated users.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sellers", h.Register)
	r.GET("/sellers/:id", h.GetSeller)
}

// RegisterAdminRoutes sets up seller routes for operators.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/sellers", h.ListSellers)
	r.POST("/sellers/:id/verify", h.VerifySeller)
	r.POST("/sellers/:id/suspend", h.SuspendSeller)
	r.POST("/sellers/:id/reinstate", h.ReinstateSeller)
}

// SuspendRequest is the request body for suspending a seller.
type SuspendRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Register handles POST /v1/sellers
func (h *Handler) Register(c *gin.Context) {
	if _, ok := auth.GetActor(c); !ok {
		unauthorized(c)
		return
	}

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	req.Phone = validation.SanitizePhone(req.Phone)
	req.PayoutTarget = validation.SanitizePhone(req.PayoutTarget)
	req.DisplayName = validation.SanitizeString(req.DisplayName, 120)

	checks := []func() *validation.ValidationError{
		validation.Required("displayName", req.DisplayName),
		validation.ValidPhone("phone", req.Phone),
	}
	if req.PayoutTarget != "" {
		checks = append(checks, validation.ValidPhone("payoutTarget", req.PayoutTarget))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	sel, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"seller": sel})
}

// GetSeller handles GET /v1/sellers/:id
func (h *Handler) GetSeller(c *gin.Context) {
	if _, ok := auth.GetActor(c); !ok {
		unauthorized(c)
		return
	}

	sel, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"seller": sel})
}

// ListSellers handles GET /v1/admin/sellers?status=pending
func (h *Handler) ListSellers(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		unauthorized(c)
		return
	}

	status := Status(c.Query("status"))
	offset := 0
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}

	sellers, err := h.service.List(c.Request.Context(), actor, status, limitQuery(c, 50), offset)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"sellers": sellers, "count": len(sellers)})
}

// VerifySeller handles POST /v1/admin/sellers/:id/verify
func (h *Handler) VerifySeller(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		unauthorized(c)
		return
	}

	sel, err := h.service.Verify(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"seller": sel})
}

// SuspendSeller handles POST /v1/admin/sellers/:id/suspend
func (h *Handler) SuspendSeller(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		unauthorized(c)
		return
	}

	var req SuspendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	sel, err := h.service.Suspend(c.Request.Context(), actor, c.Param("id"), reason)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"seller": sel})
}

// ReinstateSeller handles POST /v1/admin/sellers/:id/reinstate
func (h *Handler) ReinstateSeller(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		unauthorized(c)
		return
	}

	sel, err := h.service.Reinstate(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"seller": sel})
}

// limitQuery parses the limit query parameter with a default, capped at 200.
func limitQuery(c *gin.Context, def int) int {
	limit := def
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}
	return limit
}

func unauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": "API key required",
	})
}

// writeError maps service errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	var authzErr *authz.Error
	var statusErr *StatusError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.As(err, &authzErr):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.As(err, &statusErr):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrPhoneTaken):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrReasonRequired):
		status = http.StatusBadRequest
		code = "invalid_request"
	}

	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
