package handlers

import (
	"context"

	"github.com/imrishuroy/go-payment-reconciliation/internal/aws"
	"github.com/imrishuroy/go-payment-reconciliation/internal/gateway"
	"github.com/imrishuroy/go-payment-reconciliation/internal/orders"
	"github.com/imrishuroy/go-payment-reconciliation/internal/reconcile"
	"github.com/imrishuroy/go-payment-reconciliation/internal/signal"
	"github.com/imrishuroy/go-payment-reconciliation/internal/webhook"
)

// Reconciler is the subset of *reconcile.Reconciler the routes use.
type Reconciler interface {
	Apply(ctx context.Context, sig signal.Signal) (reconcile.Result, error)
	GetStatus(ctx context.Context, orderID string) (reconcile.StatusView, error)
}

// Checkout is the subset of *gateway.Service the routes use.
type Checkout interface {
	StartPayment(ctx context.Context, orderID string, opts ...gateway.IntentOption) (*orders.PaymentIntent, error)
}

// HandlerConfig groups dependencies for the payment routes.
type HandlerConfig struct {
	Verifier   *webhook.Verifier
	Reconciler Reconciler
	Checkout   Checkout
	Metrics    *aws.Metrics
}
