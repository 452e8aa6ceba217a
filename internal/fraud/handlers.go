package fraud

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/amana/internal/auth"
)

// Handler provides the admin HTTP surface for flag review.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new fraud handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterAdminRoutes sets up flag review routes for operators.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/flags", h.ListFlags)
	r.POST("/flags/:id/review", h.ReviewFlag)
}

// ListFlags handles GET /v1/admin/flags?reviewed=false
func (h *Handler) ListFlags(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok || !actor.IsAdmin() {
		unauthorized(c)
		return
	}

	var reviewed *bool
	if v := c.Query("reviewed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "reviewed must be true or false",
			})
			return
		}
		reviewed = &b
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	flags, err := h.engine.List(c.Request.Context(), reviewed, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flags": flags, "count": len(flags)})
}

// ReviewFlag handles POST /v1/admin/flags/:id/review
func (h *Handler) ReviewFlag(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok || !actor.IsAdmin() {
		unauthorized(c)
		return
	}

	if err := h.engine.Review(c.Request.Context(), actor.ID, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviewed": true})
}

func unauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": "admin access required",
	})
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, ErrFlagNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
