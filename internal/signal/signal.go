// Package signal maps provider payloads onto the canonical Signal consumed by
// the reconciler. Provider field names and enums do not leak past here.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
)

// Source identifies which channel produced a signal.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
)

// ProviderStatus is the provider's verdict on a charge attempt.
type ProviderStatus string

const (
	StatusSucceeded     ProviderStatus = "succeeded"
	StatusPaymentFailed ProviderStatus = "payment_failed"
	StatusCanceled      ProviderStatus = "canceled"
	// StatusProcessing covers every non-final provider state.
	StatusProcessing ProviderStatus = "processing"
)

// MetadataOrderID is the intent metadata key correlating an intent with its order.
const MetadataOrderID = "order_id"

var (
	// ErrUnrecognizedEventType marks event kinds the system does not act on.
	// Callers drop these and acknowledge the delivery.
	ErrUnrecognizedEventType = errors.New("signal: unrecognized event type")
	// ErrUnresolvableOrder marks a structurally broken payload that cannot be
	// correlated with an order.
	ErrUnresolvableOrder = errors.New("signal: unresolvable order")
)

// Signal is the canonical, provider-neutral payment signal.
type Signal struct {
	Source   Source
	EventID  string // empty for poll-derived signals
	OrderID  string
	IntentID string
	Status   ProviderStatus
	// ProviderTime is when the provider produced the event or intent state.
	ProviderTime time.Time
	Digest       string
}

var eventStatuses = map[stripe.EventType]ProviderStatus{
	stripe.EventTypePaymentIntentSucceeded:      StatusSucceeded,
	stripe.EventTypePaymentIntentPaymentFailed:  StatusPaymentFailed,
	stripe.EventTypePaymentIntentCanceled:       StatusCanceled,
	stripe.EventTypePaymentIntentProcessing:     StatusProcessing,
	stripe.EventTypePaymentIntentRequiresAction: StatusProcessing,
}

// FromEvent normalizes a verified webhook event.
func FromEvent(ev *stripe.Event, digest string) (Signal, error) {
	status, ok := eventStatuses[ev.Type]
	if !ok {
		return Signal{}, fmt.Errorf("%w: %s", ErrUnrecognizedEventType, ev.Type)
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return Signal{}, fmt.Errorf("%w: event %s has no data object", ErrUnresolvableOrder, ev.ID)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return Signal{}, fmt.Errorf("%w: event %s: decode payment intent: %v", ErrUnresolvableOrder, ev.ID, err)
	}
	orderID := pi.Metadata[MetadataOrderID]
	if orderID == "" {
		return Signal{}, fmt.Errorf("%w: event %s carries no %s metadata", ErrUnresolvableOrder, ev.ID, MetadataOrderID)
	}

	return Signal{
		Source:       SourceWebhook,
		EventID:      ev.ID,
		OrderID:      orderID,
		IntentID:     pi.ID,
		Status:       status,
		ProviderTime: unixOrZero(ev.Created),
		Digest:       digest,
	}, nil
}

// FromIntent normalizes a provider intent read back by a status query.
func FromIntent(pi *stripe.PaymentIntent) (Signal, error) {
	if pi == nil {
		return Signal{}, fmt.Errorf("%w: nil payment intent", ErrUnresolvableOrder)
	}
	orderID := pi.Metadata[MetadataOrderID]
	if orderID == "" {
		return Signal{}, fmt.Errorf("%w: intent %s carries no %s metadata", ErrUnresolvableOrder, pi.ID, MetadataOrderID)
	}

	return Signal{
		Source:       SourcePoll,
		OrderID:      orderID,
		IntentID:     pi.ID,
		Status:       intentStatus(pi),
		ProviderTime: unixOrZero(pi.Created),
	}, nil
}

func intentStatus(pi *stripe.PaymentIntent) ProviderStatus {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusCanceled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// a fresh intent also requires a payment method; only a recorded
		// error means an attempt was declined
		if pi.LastPaymentError != nil {
			return StatusPaymentFailed
		}
	}
	return StatusProcessing
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
