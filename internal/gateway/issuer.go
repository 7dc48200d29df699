package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"

	"github.com/imrishuroy/go-payment-reconciliation/internal/signal"
)

var (
	// ErrInvalidAmount: the amount is not a positive, finite number of minor units.
	ErrInvalidAmount = errors.New("gateway: invalid amount")
	// ErrGatewayUnavailable: the provider is not configured or not reachable.
	// Transient; safe to retry with backoff.
	ErrGatewayUnavailable = errors.New("gateway: unavailable")
	// ErrPaymentsDisabled: no provider credentials are configured.
	ErrPaymentsDisabled = fmt.Errorf("%w: payments disabled", ErrGatewayUnavailable)
	// ErrGatewayRejected: the provider refused the request. Terminal for the attempt.
	ErrGatewayRejected = errors.New("gateway: rejected")
)

// RejectedError carries the provider's message for a rejected request.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: rejected (%s): %s", e.Code, e.Message)
	}
	return "gateway: rejected: " + e.Message
}

// Is makes errors.Is(err, ErrGatewayRejected) hold for *RejectedError.
func (e *RejectedError) Is(target error) bool { return target == ErrGatewayRejected }

// IntentAPI is the subset of the provider's intent client the Issuer uses.
// *paymentintent.Client satisfies it.
type IntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// KeySource resolves the provider secret key. An empty key with a nil error
// means payments are disabled.
type KeySource func(ctx context.Context) (string, error)

// StaticKey returns a KeySource for a fixed key.
func StaticKey(key string) KeySource {
	return func(context.Context) (string, error) { return key, nil }
}

// Intent is what CreateIntent hands back to the order-placement flow.
type Intent struct {
	IntentID     string
	ClientSecret string
	AmountMinor  int64
	CreatedAt    time.Time
}

// Issuer creates provider payment intents. Construct one at startup and
// inject it; credentials are resolved on first use and cached once found.
type Issuer struct {
	keys     KeySource
	currency string
	newAPI   func(key string) IntentAPI

	mu  sync.Mutex
	api IntentAPI
}

// NewIssuer returns an Issuer charging in currency (ISO code, e.g. "usd").
func NewIssuer(keys KeySource, currency string) *Issuer {
	return &Issuer{
		keys:     keys,
		currency: strings.ToLower(currency),
		newAPI: func(key string) IntentAPI {
			return &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: key}
		},
	}
}

// NewIssuerWithAPI returns an Issuer bound to api, bypassing key resolution.
func NewIssuerWithAPI(api IntentAPI, currency string) *Issuer {
	return &Issuer{
		currency: strings.ToLower(currency),
		api:      api,
	}
}

// IntentOption customizes a single CreateIntent call.
type IntentOption func(*stripe.PaymentIntentParams)

// WithIdempotencyKey makes the provider return the same intent for repeated
// calls carrying key.
func WithIdempotencyKey(key string) IntentOption {
	return func(p *stripe.PaymentIntentParams) { p.SetIdempotencyKey(key) }
}

// WithReceiptEmail overrides the order's contact as the receipt address.
func WithReceiptEmail(email string) IntentOption {
	return func(p *stripe.PaymentIntentParams) {
		if email != "" {
			p.ReceiptEmail = stripe.String(email)
		}
	}
}

// CreateIntent creates a provider intent for orderID, tagged with the order
// id in its metadata so later events correlate without a local lookup.
// Each call creates one remote intent; callers must check for an existing
// unresolved intent first.
func (i *Issuer) CreateIntent(ctx context.Context, orderID string, amountMajor float64, customerEmail string, opts ...IntentOption) (*Intent, error) {
	amountMinor, err := ToMinorUnits(amountMajor)
	if err != nil {
		return nil, err
	}
	api, err := i.client(ctx)
	if err != nil {
		return nil, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountMinor),
		Currency: stripe.String(i.currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if customerEmail != "" {
		params.ReceiptEmail = stripe.String(customerEmail)
	}
	params.Context = ctx
	params.AddMetadata(signal.MetadataOrderID, orderID)
	for _, opt := range opts {
		opt(params)
	}

	pi, err := api.New(params)
	if err != nil {
		return nil, classifyProviderError(err)
	}
	return &Intent{
		IntentID:     pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountMinor:  amountMinor,
		CreatedAt:    time.Unix(pi.Created, 0).UTC(),
	}, nil
}

// LookupIntent reads the provider's current view of an intent.
func (i *Issuer) LookupIntent(ctx context.Context, intentID string) (*stripe.PaymentIntent, error) {
	api, err := i.client(ctx)
	if err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := api.Get(intentID, params)
	if err != nil {
		return nil, classifyProviderError(err)
	}
	return pi, nil
}

// CancelIntent cancels an intent the customer walked away from and returns
// the provider's resulting view of it.
func (i *Issuer) CancelIntent(ctx context.Context, intentID string) (*stripe.PaymentIntent, error) {
	api, err := i.client(ctx)
	if err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	pi, err := api.Cancel(intentID, params)
	if err != nil {
		return nil, classifyProviderError(err)
	}
	return pi, nil
}

func (i *Issuer) client(ctx context.Context) (IntentAPI, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.api != nil {
		return i.api, nil
	}
	if i.keys == nil {
		return nil, ErrPaymentsDisabled
	}
	key, err := i.keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve credentials: %v", ErrGatewayUnavailable, err)
	}
	if key == "" {
		return nil, ErrPaymentsDisabled
	}
	i.api = i.newAPI(key)
	return i.api, nil
}

// classifyProviderError maps provider failures onto the gateway taxonomy.
// Auth, rate-limit and server-side failures are unavailability; request and
// card errors are rejections carrying the provider message.
func classifyProviderError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	switch se.HTTPStatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrGatewayUnavailable, se.Msg)
	}
	if se.HTTPStatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s", ErrGatewayUnavailable, se.Msg)
	}
	switch se.Type {
	case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest, stripe.ErrorTypeIdempotency:
		return &RejectedError{Code: string(se.Code), Message: se.Msg}
	}
	if se.HTTPStatusCode >= http.StatusBadRequest {
		return &RejectedError{Code: string(se.Code), Message: se.Msg}
	}
	return fmt.Errorf("%w: %s", ErrGatewayUnavailable, se.Msg)
}
