package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/amana/internal/auth"
	"github.com/mbd888/amana/internal/authz"
	"github.com/mbd888/amana/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	reports *ReportService
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, reports *ReportService) *Handler {
	return &Handler{service: service, reports: reports}
}

// RegisterRoutes sets up escrow routes for authenticated buyers and sellers.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListMine)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/timeline", h.GetTimeline)
	r.GET("/escrows/:id/payout", h.GetPayout)
	r.POST("/escrows/:id/ship", h.MarkShipped)
	r.POST("/escrows/:id/confirm", h.ConfirmDelivery)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
	r.POST("/escrows/:id/dispute", h.OpenDispute)
	r.POST("/escrows/:id/rate", h.RateSeller)
}

// RegisterAdminRoutes sets up escrow routes for operators.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", h.ListByStatus)
	r.GET("/disputes", h.ListDisputes)
	r.POST("/escrows/:id/resolve", h.ResolveDispute)
	r.POST("/escrows/:id/release", h.AdminRelease)
	r.POST("/escrows/:id/refund", h.AdminRefund)
	r.GET("/payouts", h.ListPayouts)
	r.GET("/reports/escrows", h.GetReport)
}

// ShipRequest is the optional request body for marking goods shipped.
type ShipRequest struct {
	Tracking string `json:"tracking"`
}

// DisputeRequest is the request body for opening a dispute.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveRequest is the request body for resolving a dispute.
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Note       string `json:"note" binding:"required"`
}

// NoteRequest is the request body for admin release and refund overrides.
type NoteRequest struct {
	Note string `json:"note" binding:"required"`
}

// RateRequest is the request body for rating a seller.
type RateRequest struct {
	Stars int `json:"stars" binding:"required"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		unauthorized(c)
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	req.BuyerPhone = validation.SanitizePhone(req.BuyerPhone)
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)

	if errs := validation.Validate(
		validation.Required("buyerId", req.BuyerID),
		validation.Required("sellerId", req.SellerID),
		validation.ValidPhone("buyerPhone", req.BuyerPhone),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	txn, err := h.service.Create(c.Request.Context(), actor, req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": txn})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		unauthorized(c)
		return
	}

	txn, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": txn})
}

// ListMine handles GET /v1/escrows
func (h *Handler) ListMine(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		unauthorized(c)
		return
	}

	txns, err := h.service.ListMine(c.Request.Context(), actor, limitQuery(c, 50))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrows": txns, "count": len(txns)})
}

// GetTimeline handles GET /v1/escrows/:id/timeline
func (h *Handler) GetTimeline(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		unauthorized(c)
		return
	}

	events, err := h.service.Timeline(c.Request.Context(), actor, c.Param("id"), limitQuery(c, 100))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetPayout handles GET /v1/escrows/:id/payout
func (h *Handler) GetPayout(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		unauthorized(c)
		return
	}

	payout, err := h.service.GetPayout(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout": payout})
}

// MarkShipped handles POST /v1/escrows/:id/ship. The body is optional
// and may carry a courier tracking reference.
func (h *Handler) MarkShipped(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		unauthorized(c)
		return
	}

	var req ShipRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
	}
	tracking := validation.SanitizeString(req.Tracking, 64)

	txn, err := h.service.MarkShipped(c.Request.Context(), actor, c.Param("id"), tracking)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": txn})
}

// ConfirmDelivery handles POST /v1/escrows/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		unauthorized(c)
		return
	}

	txn, err := h.service.ConfirmDelivery(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": txn})
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		unauthorized(c)
		return
	}

	txn, err := h.service.Cancel(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": txn})
}

// OpenDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		unauthorized(c)
		return
	}

	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	dispute, err := h.service.OpenDispute(c.Request.Context(), actor, c.Param("id"), reason)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": dispute})
}

// RateSeller handles POST /v1/escrows/:id/rate
func (h *Handler) RateSeller(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		unauthorized(c)
		return
	}

	var req RateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidRating("stars", req.Stars),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	txn, err := h.service.RateSeller(c.Request.Context(), actor, c.Param("id"), req.Stars)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": txn})
}

// ListByStatus handles GET /v1/admin/escrows?status=held
func (h *Handler) ListByStatus(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		unauthorized(c)
		return
	}

	status := Status(c.Query("status"))
	if status == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "status query parameter is required",
		})
		return
	}

	txns, err := h.service.ListByStatus(c.Request.Context(), actor, status, limitQuery(c, 50))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrows": txns, "count": len(txns)})
}

// ListDisputes handles GET /v1/admin/disputes?status=open
func (h *Handler) ListDisputes(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		unauthorized(c)
		return
	}

	status := c.DefaultQuery("status", DisputeOpen)
	if status == "all" {
		status = ""
	}

	disputes, err := h.service.ListDisputes(c.Request.Context(), actor, status, limitQuery(c, 50))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// ResolveDispute handles POST /v1/admin/escrows/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		unauthorized(c)
		return
	}

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	switch req.Resolution {
	case "release", "refund", "split", "reship":
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution must be \"release\", \"refund\", \"split\", or \"reship\"",
		})
		return
	}

	note := validation.SanitizeString(req.Note, validation.MaxStringLength)
	txn, err := h.service.ResolveDispute(c.Request.Context(), actor, c.Param("id"), req.Resolution, note)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": txn})
}

// AdminRelease handles POST /v1/admin/escrows/:id/release
func (h *Handler) AdminRelease(c *gin.Context) {
	h.adminOverride(c, h.service.AdminRelease)
}

// AdminRefund handles POST /v1/admin/escrows/:id/refund
func (h *Handler) AdminRefund(c *gin.Context) {
	h.adminOverride(c, h.service.AdminRefund)
}

func (h *Handler) adminOverride(c *gin.Context, op func(ctx context.Context, actor authz.Actor, txnID, note string) (*Transaction, error)) {
	actor, ok := auth.GetActor(c)
	if !ok {
		unauthorized(c)
		return
	}

	var req NoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	note := validation.SanitizeString(req.Note, validation.MaxStringLength)
	txn, err := op(c.Request.Context(), actor, c.Param("id"), note)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": txn})
}

// ListPayouts handles GET /v1/admin/payouts?state=failed
func (h *Handler) ListPayouts(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		unauthorized(c)
		return
	}

	payouts, err := h.service.ListPayouts(c.Request.Context(), actor, c.Query("state"), limitQuery(c, 50))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payouts": payouts, "count": len(payouts)})
}

// GetReport handles GET /v1/admin/reports/escrows
func (h *Handler) GetReport(c *gin.Context) {
	if _, ok := auth.GetActor(c); !ok {
		unauthorized(c)
		return
	}

	var filter ReportFilter
	filter.SellerID = c.Query("seller")
	filter.BuyerID = c.Query("buyer")
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "from must be an RFC 3339 timestamp",
			})
			return
		}
		filter.From = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "to must be an RFC 3339 timestamp",
			})
			return
		}
		filter.To = &t
	}

	report, err := h.reports.Get(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
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
	var stateErr *StateTransitionError
	switch {
	case errors.Is(err, ErrTxnNotFound),
		errors.Is(err, ErrDisputeNotFound),
		errors.Is(err, ErrPayoutNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.As(err, &authzErr):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.As(err, &stateErr):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrConcurrencyConflict),
		errors.Is(err, ErrDuplicateDispute),
		errors.Is(err, ErrAlreadyRated):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrAmountTooLarge),
		errors.Is(err, ErrSameParty),
		errors.Is(err, ErrSellerNotEligible),
		errors.Is(err, ErrNoteRequired),
		errors.Is(err, ErrInvalidRating),
		errors.Is(err, ErrSplitTooSmall):
		status = http.StatusBadRequest
		code = "invalid_request"
	case isRetryable(err):
		// The payment rail is down or throttling; the client may retry.
		status = http.StatusBadGateway
		code = "rail_unavailable"
	}

	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
