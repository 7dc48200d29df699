package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/imrishuroy/go-payment-reconciliation/internal/aws"
	"github.com/imrishuroy/go-payment-reconciliation/internal/orders"
)

// Notification announces a terminal order transition to downstream consumers.
type Notification struct {
	OrderID        string        `json:"order_id"`
	Status         orders.Status `json:"status"`
	PreviousStatus orders.Status `json:"previous_status,omitempty"`
	Source         string        `json:"source"`
	EventID        string        `json:"event_id,omitempty"`
	TransitionedAt time.Time     `json:"transitioned_at"`
}

// notificationNamespace scopes the name-based message ids.
var notificationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:payment-reconciliation:order-notification"))

// MessageID is the stable id of the notification for orderID reaching
// status. Every republish of one transition carries the same id, so
// consumers can drop repeats the queue's dedup window no longer catches.
func MessageID(orderID string, status orders.Status) string {
	return uuid.NewSHA1(notificationNamespace, []byte(orderID+":"+string(status))).String()
}

// Notifier publishes transition notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// QueueNotifier publishes notifications to a FIFO SQS queue. The
// deduplication id is order_id:status, so a republish inside the queue's
// dedup window is dropped; past it, consumers dedupe on message_id.
type QueueNotifier struct {
	pub *aws.Publisher
}

// NewQueueNotifier wraps pub.
func NewQueueNotifier(pub *aws.Publisher) *QueueNotifier {
	return &QueueNotifier{pub: pub}
}

func (q *QueueNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return q.pub.Send(ctx, aws.Message{
		Body: string(body),
		Attributes: map[string]string{
			"message_id": MessageID(n.OrderID, n.Status),
			"event_type": "order.payment." + string(n.Status),
			"source":     n.Source,
		},
		DedupID: n.OrderID + ":" + string(n.Status),
		GroupID: n.OrderID,
	})
}

// notificationFor builds the notification owed by a terminal order.
func notificationFor(o *orders.Order) Notification {
	return Notification{
		OrderID:        o.OrderID,
		Status:         o.Status,
		PreviousStatus: o.PreviousStatus,
		Source:         o.LastSignalSource,
		EventID:        o.LastEventID,
		TransitionedAt: o.StatusChangedAt,
	}
}
