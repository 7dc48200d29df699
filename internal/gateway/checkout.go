package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/imrishuroy/go-payment-reconciliation/internal/orders"
)

var (
	// ErrOrderNotFound: no order with the given id.
	ErrOrderNotFound = errors.New("checkout: order not found")
	// ErrOrderClosed: the order already reached a terminal status.
	ErrOrderClosed = errors.New("checkout: order closed")
)

// OrderRepo is the subset of orders.Store used by the checkout flow.
type OrderRepo interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	AttachIntent(ctx context.Context, orderID string, intent orders.PaymentIntent) (*orders.Order, error)
}

// IntentIssuer creates provider intents and cancels ones that lost the
// attach race. *Issuer satisfies it.
type IntentIssuer interface {
	CreateIntent(ctx context.Context, orderID string, amountMajor float64, customerEmail string, opts ...IntentOption) (*Intent, error)
	CancelIntent(ctx context.Context, intentID string) (*stripe.PaymentIntent, error)
}

// Service issues at most one active payment intent per order.
type Service struct {
	orders      OrderRepo
	issuer      IntentIssuer
	maxAttempts int
	backoff     time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewService wires the checkout flow. maxAttempts bounds CreateIntent
// retries on ErrGatewayUnavailable.
func NewService(repo OrderRepo, issuer IntentIssuer, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Service{
		orders:      repo,
		issuer:      issuer,
		maxAttempts: maxAttempts,
		backoff:     200 * time.Millisecond,
		sleep:       sleepCtx,
	}
}

// StartPayment returns the order's active intent, issuing one if none exists.
// opts apply only when a new intent is issued.
//
// The provider idempotency key is derived from the order version the intent
// was issued against, so concurrent callers for the same created order get
// the same remote intent and the conditional attach picks one winner. A
// caller overriding the receipt email gets its own key, since the provider
// rejects a reused key with different parameters; its intent is cancelled
// if it loses the attach.
func (s *Service) StartPayment(ctx context.Context, orderID string, opts ...IntentOption) (*orders.PaymentIntent, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrOrderNotFound
	}
	if o.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrOrderClosed, orderID, o.Status)
	}
	if o.ActiveIntent != nil {
		return o.ActiveIntent, nil
	}

	intent, err := s.createWithRetry(ctx, o, append(opts, WithIdempotencyKey(attemptKey(o, opts))))
	if err != nil {
		return nil, err
	}

	pi := orders.PaymentIntent{
		IntentID:     intent.IntentID,
		OrderID:      o.OrderID,
		AmountMinor:  intent.AmountMinor,
		ClientSecret: intent.ClientSecret,
		CreatedAt:    intent.CreatedAt,
	}
	updated, err := s.orders.AttachIntent(ctx, o.OrderID, pi)
	if errors.Is(err, orders.ErrIntentConflict) {
		won, err := s.winner(ctx, o.OrderID)
		if won != nil && won.IntentID != pi.IntentID {
			s.discard(ctx, o.OrderID, pi.IntentID)
		}
		return won, err
	}
	if err != nil {
		return nil, err
	}
	log.Printf("[checkout] intent %s attached to order %s (%d minor units)", pi.IntentID, o.OrderID, pi.AmountMinor)
	return updated.ActiveIntent, nil
}

func (s *Service) createWithRetry(ctx context.Context, o *orders.Order, opts []IntentOption) (*Intent, error) {
	delay := s.backoff
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		intent, err := s.issuer.CreateIntent(ctx, o.OrderID, o.Amount, o.CustomerEmail, opts...)
		if err == nil {
			return intent, nil
		}
		lastErr = err
		if !errors.Is(err, ErrGatewayUnavailable) || errors.Is(err, ErrPaymentsDisabled) {
			return nil, err
		}
		if attempt == s.maxAttempts {
			break
		}
		log.Printf("[checkout] create intent for %s failed (attempt %d/%d): %v", o.OrderID, attempt, s.maxAttempts, err)
		if err := s.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}
	return nil, lastErr
}

// attemptKey is order_id:version, plus a digest of the receipt email when a
// caller's options override the order's own contact.
func attemptKey(o *orders.Order, opts []IntentOption) string {
	key := fmt.Sprintf("%s:%d", o.OrderID, o.Version)
	p := &stripe.PaymentIntentParams{}
	for _, opt := range opts {
		opt(p)
	}
	if p.ReceiptEmail != nil && *p.ReceiptEmail != o.CustomerEmail {
		sum := sha256.Sum256([]byte(*p.ReceiptEmail))
		key += ":" + hex.EncodeToString(sum[:8])
	}
	return key
}

// discard cancels an intent that lost the attach race. Best effort: an
// uncancelled orphan expires on the provider side and is never attached.
func (s *Service) discard(ctx context.Context, orderID, intentID string) {
	if _, err := s.issuer.CancelIntent(ctx, intentID); err != nil {
		log.Printf("[checkout] cancel orphaned intent %s for order %s: %v", intentID, orderID, err)
		return
	}
	log.Printf("[checkout] cancelled orphaned intent %s for order %s", intentID, orderID)
}

// winner reloads an order after a lost attach race.
func (s *Service) winner(ctx context.Context, orderID string) (*orders.PaymentIntent, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrOrderNotFound
	}
	if o.ActiveIntent != nil {
		return o.ActiveIntent, nil
	}
	if o.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrOrderClosed, orderID, o.Status)
	}
	return nil, orders.ErrIntentConflict
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
