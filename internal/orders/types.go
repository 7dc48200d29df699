package orders

import "time"

// Status is the payment state of an order.
type Status string

// Order statuses. Created, then Pending once an intent is issued, then one
// of the three terminal states.
const (
	StatusCreated   Status = "created"
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether s is absorbing.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPaid, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// PaymentIntent is the provider-side charge attempt attached to an order.
// Never mutated after AttachIntent stores it.
type PaymentIntent struct {
	IntentID     string    `dynamodbav:"intent_id" json:"intent_id"`
	OrderID      string    `dynamodbav:"order_id" json:"order_id"`
	AmountMinor  int64     `dynamodbav:"amount_minor" json:"amount_minor"`
	ClientSecret string    `dynamodbav:"client_secret" json:"-"`
	CreatedAt    time.Time `dynamodbav:"created_at" json:"created_at"`
}

// Order represents the item stored in the Orders DynamoDB table.
type Order struct {
	OrderID          string         `dynamodbav:"order_id"` // PK
	CustomerEmail    string         `dynamodbav:"customer_email,omitempty"`
	Amount           float64        `dynamodbav:"amount"` // currency-major units
	Status           Status         `dynamodbav:"status"`
	PreviousStatus   Status         `dynamodbav:"previous_status,omitempty"`
	Version          int64          `dynamodbav:"version"` // bumped on every status write
	ActiveIntent     *PaymentIntent `dynamodbav:"active_intent,omitempty"`
	LastSignalSource string         `dynamodbav:"last_signal_source,omitempty"`
	LastEventID      string         `dynamodbav:"last_event_id,omitempty"`
	LastSignalDigest string         `dynamodbav:"last_signal_digest,omitempty"`
	NotifyPending    bool           `dynamodbav:"notify_pending,omitempty"`
	// NotifyShard keys the sparse notify-pending index; set exactly while
	// NotifyPending is.
	NotifyShard      string         `dynamodbav:"notify_shard,omitempty"`
	CreatedAt        time.Time      `dynamodbav:"created_at"`
	UpdatedAt        time.Time      `dynamodbav:"updated_at"`
	StatusChangedAt  time.Time      `dynamodbav:"status_changed_at"`
}

// TransitionInput describes one status write and the signal that caused it.
type TransitionInput struct {
	OrderID string
	From    Status
	To      Status
	Source  string
	EventID string
	Digest  string
	// Notify marks the order as owing an outbound notification.
	Notify bool
	// EventItem, when non-nil, is written to the processed-events table in
	// the same transaction. It must carry an event_id attribute.
	EventItem interface{}
}
