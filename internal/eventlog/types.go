package eventlog

import (
	"time"

	"github.com/imrishuroy/go-payment-reconciliation/internal/orders"
)

// Outcome records what applying an event did to its order.
type Outcome string

const (
	// OutcomeApplied means the event transitioned the order.
	OutcomeApplied Outcome = "applied"
	// OutcomeNoop means the event was accepted without a transition
	// (order already terminal, or a non-final provider status).
	OutcomeNoop Outcome = "noop"
)

// Entry is the shape persisted in the processed-events DynamoDB table.
type Entry struct {
	EventID        string        `dynamodbav:"event_id"` // PK
	OrderID        string        `dynamodbav:"order_id"`
	Status         orders.Status `dynamodbav:"status"` // order status returned to the caller
	Outcome        Outcome       `dynamodbav:"outcome"`
	Source         string        `dynamodbav:"source"`
	ProviderStatus string        `dynamodbav:"provider_status,omitempty"`
	Digest         string        `dynamodbav:"digest,omitempty"`
	AppliedAt      time.Time     `dynamodbav:"applied_at"`
	ExpiresAt      int64         `dynamodbav:"expires_at,omitempty"` // TTL epoch seconds
}
