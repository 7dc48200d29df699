package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-payment-reconciliation/internal/aws/dynamotest"
)

const (
	ordersTable = "orders"
	eventsTable = "events"
)

type eventItem struct {
	EventID string `dynamodbav:"event_id"`
	OrderID string `dynamodbav:"order_id"`
	Status  Status `dynamodbav:"status"`
}

func newTestStore(t *testing.T) (*Store, *dynamotest.Mock) {
	t.Helper()
	mock := dynamotest.New(map[string]string{ordersTable: "order_id", eventsTable: "event_id"})
	mock.AddIndex(ordersTable, StatusIndex, "status")
	mock.AddIndex(ordersTable, NotifyIndex, "notify_shard")
	s := NewStore(mock, ordersTable, eventsTable, 24*time.Hour)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return fixed }
	return s, mock
}

func seedOrder(t *testing.T, mock *dynamotest.Mock, o Order) {
	t.Helper()
	item, err := attributevalue.MarshalMap(o)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	mock.Seed(ordersTable, item)
}

func TestCreate_DefaultsAndDuplicate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, Order{OrderID: "o-1", Amount: 12.5, CustomerEmail: "a@example.com"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.Get(ctx, "o-1")
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if got.Status != StatusCreated || got.Version != 1 {
		t.Fatalf("expected created/v1, got %s/v%d", got.Status, got.Version)
	}

	err = s.Create(ctx, Order{OrderID: "o-1"})
	if !errors.Is(err, ErrOrderExists) {
		t.Fatalf("expected ErrOrderExists, got %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	got, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil order, got %+v", got)
	}
}

func TestAttachIntent_OnlyOnce(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()
	seedOrder(t, mock, Order{OrderID: "o-2", Status: StatusCreated, Version: 1, Amount: 10})

	intent := PaymentIntent{IntentID: "pi_1", OrderID: "o-2", AmountMinor: 1000, ClientSecret: "pi_1_secret"}
	o, err := s.AttachIntent(ctx, "o-2", intent)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if o.Status != StatusPending || o.Version != 2 {
		t.Fatalf("expected pending/v2, got %s/v%d", o.Status, o.Version)
	}
	if o.ActiveIntent == nil || o.ActiveIntent.IntentID != "pi_1" {
		t.Fatalf("active intent not stored: %+v", o.ActiveIntent)
	}

	_, err = s.AttachIntent(ctx, "o-2", PaymentIntent{IntentID: "pi_2", OrderID: "o-2"})
	if !errors.Is(err, ErrIntentConflict) {
		t.Fatalf("expected ErrIntentConflict, got %v", err)
	}
}

func TestAttachIntent_TerminalOrderRejected(t *testing.T) {
	s, mock := newTestStore(t)
	seedOrder(t, mock, Order{OrderID: "o-3", Status: StatusPaid, Version: 3})

	_, err := s.AttachIntent(context.Background(), "o-3", PaymentIntent{IntentID: "pi_3"})
	if !errors.Is(err, ErrIntentConflict) {
		t.Fatalf("expected ErrIntentConflict, got %v", err)
	}
}

func TestTransition_WritesOrderAndEventAtomically(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()
	seedOrder(t, mock, Order{OrderID: "o-4", Status: StatusPending, Version: 2})

	err := s.Transition(ctx, TransitionInput{
		OrderID:   "o-4",
		From:      StatusPending,
		To:        StatusPaid,
		Source:    "webhook",
		EventID:   "evt_1",
		Digest:    "abc",
		Notify:    true,
		EventItem: eventItem{EventID: "evt_1", OrderID: "o-4", Status: StatusPaid},
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	o, _ := s.Get(ctx, "o-4")
	if o.Status != StatusPaid || o.Version != 3 || !o.NotifyPending {
		t.Fatalf("unexpected order after transition: %+v", o)
	}
	if o.LastEventID != "evt_1" || o.LastSignalSource != "webhook" || o.LastSignalDigest != "abc" {
		t.Fatalf("transition not attributed: %+v", o)
	}
	if o.NotifyShard != NotifyShardPending {
		t.Fatalf("owed notification not indexed: %q", o.NotifyShard)
	}
	ev := mock.Item(eventsTable, "evt_1")
	if ev == nil {
		t.Fatalf("event item not stored")
	}
	if _, ok := ev["expires_at"].(*types.AttributeValueMemberN); !ok {
		t.Fatalf("expires_at not stamped: %+v", ev["expires_at"])
	}
}

func TestTransition_StatusMismatch(t *testing.T) {
	s, mock := newTestStore(t)
	seedOrder(t, mock, Order{OrderID: "o-5", Status: StatusFailed, Version: 3})

	err := s.Transition(context.Background(), TransitionInput{
		OrderID:   "o-5",
		From:      StatusPending,
		To:        StatusPaid,
		EventID:   "evt_2",
		EventItem: eventItem{EventID: "evt_2", OrderID: "o-5"},
	})
	if !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("expected ErrStatusMismatch, got %v", err)
	}
	if mock.Count(eventsTable) != 0 {
		t.Fatalf("event must not be written when the order condition fails")
	}
}

func TestTransition_EventAlreadyProcessed(t *testing.T) {
	s, mock := newTestStore(t)
	seedOrder(t, mock, Order{OrderID: "o-6", Status: StatusPending, Version: 2})
	mock.Seed(eventsTable, map[string]types.AttributeValue{
		"event_id": &types.AttributeValueMemberS{Value: "evt_3"},
	})

	err := s.Transition(context.Background(), TransitionInput{
		OrderID:   "o-6",
		From:      StatusPending,
		To:        StatusPaid,
		EventID:   "evt_3",
		EventItem: eventItem{EventID: "evt_3", OrderID: "o-6"},
	})
	if !errors.Is(err, ErrEventExists) {
		t.Fatalf("expected ErrEventExists, got %v", err)
	}
	o, _ := s.Get(context.Background(), "o-6")
	if o.Status != StatusPending {
		t.Fatalf("order must stay pending, got %s", o.Status)
	}
}

func TestMarkNotified(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()
	seedOrder(t, mock, Order{OrderID: "o-7", Status: StatusPaid, Version: 3, NotifyPending: true, NotifyShard: NotifyShardPending})

	if err := s.MarkNotified(ctx, "o-7", StatusFailed); !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("expected ErrStatusMismatch for wrong status, got %v", err)
	}
	if err := s.MarkNotified(ctx, "o-7", StatusPaid); err != nil {
		t.Fatalf("mark notified: %v", err)
	}
	o, _ := s.Get(ctx, "o-7")
	if o.NotifyPending || o.NotifyShard != "" {
		t.Fatalf("notify_pending should be cleared, got %+v", o)
	}
}

func TestTransition_WithoutNotifyStaysOutOfNotifyIndex(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()
	seedOrder(t, mock, Order{OrderID: "o-8", Status: StatusPending, Version: 2})

	err := s.Transition(ctx, TransitionInput{OrderID: "o-8", From: StatusPending, To: StatusFailed, Source: "poll"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, ok := mock.Item(ordersTable, "o-8")["notify_shard"]; ok {
		t.Fatalf("notify_shard must only be set when a notification is owed")
	}
	owed, err := s.ListUnnotified(ctx)
	if err != nil {
		t.Fatalf("list unnotified: %v", err)
	}
	if len(owed) != 0 {
		t.Fatalf("expected nothing owed, got %+v", owed)
	}
}

func TestListPendingBeforeAndUnnotified_QueryIndexes(t *testing.T) {
	s, mock := newTestStore(t)
	mock.PageSize = 1
	old := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	fresh := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)

	seedOrder(t, mock, Order{OrderID: "a", Status: StatusPending, StatusChangedAt: old})
	seedOrder(t, mock, Order{OrderID: "b", Status: StatusPending, StatusChangedAt: fresh})
	seedOrder(t, mock, Order{OrderID: "c", Status: StatusPaid, StatusChangedAt: old, NotifyPending: true, NotifyShard: NotifyShardPending})
	seedOrder(t, mock, Order{OrderID: "d", Status: StatusCreated, StatusChangedAt: old})

	cutoff := time.Date(2026, 3, 1, 11, 45, 0, 0, time.UTC)
	pending, err := s.ListPendingBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].OrderID != "a" {
		t.Fatalf("expected only order a, got %+v", pending)
	}

	unnotified, err := s.ListUnnotified(context.Background())
	if err != nil {
		t.Fatalf("list unnotified: %v", err)
	}
	if len(unnotified) != 1 || unnotified[0].OrderID != "c" {
		t.Fatalf("expected only order c, got %+v", unnotified)
	}
	if mock.QueryCalls == 0 {
		t.Fatalf("listing should read the indexes")
	}
}
