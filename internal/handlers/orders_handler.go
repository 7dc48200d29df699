package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-payment-reconciliation/internal/gateway"
	"github.com/imrishuroy/go-payment-reconciliation/internal/orders"
	"github.com/imrishuroy/go-payment-reconciliation/internal/reconcile"
	"github.com/imrishuroy/go-payment-reconciliation/internal/validation"
)

// RegisterOrdersRoutes registers the payment-intent and status routes.
func RegisterOrdersRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()

	r.POST("/orders/:id/payment-intent", func(c *gin.Context) {
		ctx := c.Request.Context()
		orderID := c.Param("id")

		var req validation.StartPaymentRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		pi, err := cfg.Checkout.StartPayment(ctx, orderID, gateway.WithReceiptEmail(req.ReceiptEmail))
		if err != nil {
			writeCheckoutError(c, orderID, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"payments_enabled": true,
			"client_secret":    pi.ClientSecret,
			"intent_id":        pi.IntentID,
			"amount_minor":     pi.AmountMinor,
		})
	})

	r.GET("/orders/:id/status", func(c *gin.Context) {
		view, err := cfg.Reconciler.GetStatus(c.Request.Context(), c.Param("id"))
		if errors.Is(err, reconcile.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
			return
		}
		if err != nil {
			log.Printf("[api] status of %s: %v", c.Param("id"), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "status_unavailable"})
			return
		}
		c.JSON(http.StatusOK, view)
	})
}

func writeCheckoutError(c *gin.Context, orderID string, err error) {
	var rejected *gateway.RejectedError
	switch {
	case errors.Is(err, gateway.ErrPaymentsDisabled):
		// degrade: the storefront shows the order without a pay button
		c.JSON(http.StatusOK, gin.H{"payments_enabled": false})
	case errors.Is(err, gateway.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
	case errors.Is(err, gateway.ErrOrderClosed), errors.Is(err, orders.ErrIntentConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "order_closed"})
	case errors.Is(err, gateway.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount"})
	case errors.As(err, &rejected):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment_rejected", "code": rejected.Code, "msg": rejected.Message})
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		log.Printf("[api] gateway unavailable for order %s: %v", orderID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway_unavailable"})
	default:
		log.Printf("[api] start payment for %s: %v", orderID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
