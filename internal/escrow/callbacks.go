package escrow

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/amana/internal/mpesa"
)

// CallbackHandler ingests payment rail callbacks. The rail retries any
// response that is not an acknowledgement, so every path ACKs: failures
// are logged and absorbed, never surfaced as HTTP errors.
type CallbackHandler struct {
	service *Service
	logger  *slog.Logger
}

// NewCallbackHandler creates the rail callback handler.
func NewCallbackHandler(service *Service, logger *slog.Logger) *CallbackHandler {
	return &CallbackHandler{service: service, logger: logger}
}

// RegisterRoutes sets up the rail callback endpoints. They are
// unauthenticated because the rail cannot carry our API keys; payloads
// are correlated strictly by checkout handle and nothing else is trusted.
func (h *CallbackHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/callbacks/mpesa/stk", h.STKResult)
	r.POST("/callbacks/mpesa/b2c/result", h.B2CResult)
	r.POST("/callbacks/mpesa/b2c/timeout", h.B2CTimeout)
}

// STKResult handles POST /v1/callbacks/mpesa/stk
func (h *CallbackHandler) STKResult(c *gin.Context) {
	var cb mpesa.STKCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		h.logger.Warn("unparseable stk callback", "error", err)
		c.JSON(http.StatusOK, mpesa.Accepted())
		return
	}

	ctx := c.Request.Context()
	if cb.Succeeded() {
		_, err := h.service.PaymentConfirmed(ctx, cb.CheckoutID(), cb.Receipt(), cb.AmountCents())
		switch {
		case err == nil:
		case errors.Is(err, ErrTxnNotFound):
			h.logger.Warn("stk callback for unknown checkout",
				"checkoutRequestId", cb.CheckoutID(), "receipt", cb.Receipt())
		default:
			h.logger.Error("failed to apply payment confirmation",
				"checkoutRequestId", cb.CheckoutID(), "error", err)
		}
	} else {
		_, err := h.service.PaymentFailed(ctx, cb.CheckoutID(), cb.Desc())
		switch {
		case err == nil:
		case errors.Is(err, ErrTxnNotFound):
			h.logger.Warn("stk failure callback for unknown checkout",
				"checkoutRequestId", cb.CheckoutID())
		default:
			h.logger.Error("failed to apply payment failure",
				"checkoutRequestId", cb.CheckoutID(), "error", err)
		}
	}

	c.JSON(http.StatusOK, mpesa.AcceptedWith(cb.CheckoutID()))
}

// B2CResult handles POST /v1/callbacks/mpesa/b2c/result. The payout
// reference rides the round trip in the request's Occasion field, so the
// result can settle or re-queue the exact row it belongs to.
func (h *CallbackHandler) B2CResult(c *gin.Context) {
	var res mpesa.B2CResult
	if err := c.ShouldBindJSON(&res); err != nil {
		h.logger.Warn("unparseable b2c result", "error", err)
		c.JSON(http.StatusOK, mpesa.Accepted())
		return
	}

	reference := res.Reference()
	if reference == "" {
		h.logger.Warn("b2c result without a payout reference",
			"conversationId", res.Result.ConversationID,
			"transactionId", res.Result.TransactionID)
		c.JSON(http.StatusOK, mpesa.Accepted())
		return
	}

	_, err := h.service.PayoutResult(c.Request.Context(), reference, res.Succeeded(), res.Receipt(), res.Desc())
	switch {
	case err == nil:
	case errors.Is(err, ErrPayoutNotFound):
		h.logger.Warn("b2c result for unknown payout", "reference", reference)
	default:
		h.logger.Error("failed to apply b2c result", "reference", reference, "error", err)
	}

	c.JSON(http.StatusOK, mpesa.AcceptedWith(reference))
}

// B2CTimeout handles POST /v1/callbacks/mpesa/b2c/timeout. The rail
// echoes the original request, so the payout goes back in line for the
// retry job.
func (h *CallbackHandler) B2CTimeout(c *gin.Context) {
	var to mpesa.B2CTimeout
	if err := c.ShouldBindJSON(&to); err != nil || to.Reference() == "" {
		h.logger.Warn("b2c timeout without a payout reference", "error", err)
		c.JSON(http.StatusOK, mpesa.Accepted())
		return
	}

	_, err := h.service.PayoutTimeout(c.Request.Context(), to.Reference())
	switch {
	case err == nil:
	case errors.Is(err, ErrPayoutNotFound):
		h.logger.Warn("b2c timeout for unknown payout", "reference", to.Reference())
	default:
		h.logger.Error("failed to apply b2c timeout", "reference", to.Reference(), "error", err)
	}

	c.JSON(http.StatusOK, mpesa.AcceptedWith(to.Reference()))
}
