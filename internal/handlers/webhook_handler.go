package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-payment-reconciliation/internal/aws"
	"github.com/imrishuroy/go-payment-reconciliation/internal/reconcile"
	"github.com/imrishuroy/go-payment-reconciliation/internal/signal"
	"github.com/imrishuroy/go-payment-reconciliation/internal/webhook"
)

// maxWebhookBody caps the payload read before verification.
const maxWebhookBody = 1 << 16

// RegisterWebhookRoutes registers the provider webhook endpoint.
//
// Any 2xx tells the provider to stop retrying, so only outcomes that are
// final for this delivery get one: applied, duplicate, noop and ignored
// event types. Verification failures, unresolvable orders and storage
// errors get a non-2xx.
func RegisterWebhookRoutes(r *gin.Engine, cfg HandlerConfig) {
	r.POST("/webhooks/payments", func(c *gin.Context) {
		ctx := c.Request.Context()

		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
			return
		}
		if len(payload) > maxWebhookBody {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
			return
		}

		verified, err := cfg.Verifier.Verify(payload, c.GetHeader(webhook.SignatureHeader))
		if err != nil {
			reason := rejectReason(err)
			log.Printf("[webhook] rejected delivery (%s): %v", reason, err)
			cfg.Metrics.Incr(ctx, aws.MetricWebhookRejected, map[string]string{"Reason": reason})
			c.JSON(http.StatusBadRequest, gin.H{"error": "signature_verification_failed", "reason": reason})
			return
		}

		sig, err := signal.FromEvent(verified.Event, verified.Digest)
		switch {
		case errors.Is(err, signal.ErrUnrecognizedEventType):
			log.Printf("[webhook] ignoring event %s of type %s", verified.Event.ID, verified.Event.Type)
			c.JSON(http.StatusOK, gin.H{"result": "ignored"})
			return
		case errors.Is(err, signal.ErrUnresolvableOrder):
			log.Printf("[reconcile] UNRESOLVABLE: %v", err)
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unresolvable_order"})
			return
		case err != nil:
			log.Printf("[webhook] normalize event %s: %v", verified.Event.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}

		res, err := cfg.Reconciler.Apply(ctx, sig)
		switch {
		case errors.Is(err, reconcile.ErrUnresolvableOrder):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unresolvable_order", "order_id": sig.OrderID})
			return
		case err != nil:
			log.Printf("[webhook] apply event %s for order %s: %v", sig.EventID, sig.OrderID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "apply_failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"result":   resultName(res),
			"order_id": sig.OrderID,
			"status":   res.Status,
		})
	})
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, webhook.ErrExpiredTimestamp):
		return "expired"
	case errors.Is(err, webhook.ErrMalformedHeader):
		return "malformed_header"
	case errors.Is(err, webhook.ErrMalformedPayload):
		return "malformed_payload"
	default:
		return "invalid_signature"
	}
}

func resultName(res reconcile.Result) string {
	switch {
	case res.Duplicate:
		return "duplicate"
	case res.Applied:
		return "applied"
	default:
		return "noop"
	}
}
