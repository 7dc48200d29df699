package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-payment-reconciliation/internal/aws"
)

// Expressions shared by the store and its tests.
const (
	condOrderNotExists  = "attribute_not_exists(order_id)"
	condEventNotExists  = "attribute_not_exists(event_id)"
	condStatusIs        = "#s = :from"
	condCanAttachIntent = "#s = :created OR (#s = :pending AND attribute_not_exists(active_intent))"

	updateAttachIntent = "SET active_intent = :pi, #s = :pending, version = version + :one, updated_at = :now, status_changed_at = :now"
	updateTransition   = "SET #s = :to, previous_status = :from, version = version + :one, updated_at = :now, status_changed_at = :now, last_signal_source = :src, last_event_id = :eid, last_signal_digest = :dg, notify_pending = :np"
	updateOwesNotify   = ", notify_shard = :shard"
	updateMarkNotified = "SET updated_at = :now REMOVE notify_pending, notify_shard"

	keyPendingBefore = "#s = :pending AND status_changed_at < :cutoff"
	keyUnnotified    = "notify_shard = :shard"
)

// Global secondary indexes on the orders table. The sweep reads only these,
// so its cost tracks the orders needing attention, not the table size.
const (
	// StatusIndex is keyed by status with status_changed_at as sort key.
	StatusIndex = "status-changed-index"
	// NotifyIndex is a sparse index keyed by notify_shard. Only orders that
	// owe a notification carry the attribute.
	NotifyIndex = "notify-pending-index"

	// NotifyShardPending is the single notify_shard value.
	NotifyShardPending = "pending"
)

var (
	// ErrStatusMismatch is returned when the order is no longer in the expected status.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
	// ErrEventExists is returned when the transition's event id was already logged.
	ErrEventExists = errors.New("event already processed")
	// ErrIntentConflict is returned when an intent cannot be attached because
	// the order already has an active intent or has left created/pending.
	ErrIntentConflict = errors.New("order already has an active intent or is closed")
	// ErrOrderExists is returned by Create for a duplicate order id.
	ErrOrderExists = errors.New("order already exists")
)

// Store encapsulates operations on the orders table.
type Store struct {
	client      aws.DynamoDBAPI
	tableName   string
	eventsTable string
	eventTTL    time.Duration
	nowFunc     func() time.Time
}

// NewStore creates a new orders Store. Transitions that carry an event item
// write it to eventsTable with an expires_at of now+eventTTL.
func NewStore(client aws.DynamoDBAPI, tableName, eventsTable string, eventTTL time.Duration) *Store {
	return &Store{
		client:      client,
		tableName:   tableName,
		eventsTable: eventsTable,
		eventTTL:    eventTTL,
		nowFunc:     time.Now,
	}
}

// Create inserts a new order in the created state. Order placement lives
// elsewhere; this exists for that collaborator and for local seeding.
func (s *Store) Create(ctx context.Context, order Order) error {
	now := s.nowFunc().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.StatusChangedAt = now
	if order.Status == "" {
		order.Status = StatusCreated
	}
	if order.Version == 0 {
		order.Version = 1
	}

	item, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString(condOrderNotExists),
	})
	if err != nil {
		var sc *types.ConditionalCheckFailedException
		if errors.As(err, &sc) {
			return ErrOrderExists
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
// Reads are strongly consistent so a poll never sees an older status than a
// webhook already wrote.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            orderKey(orderID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// AttachIntent stores intent as the order's active intent and moves the order
// to pending. Fails with ErrIntentConflict if another intent is already
// active or the order is terminal.
func (s *Store) AttachIntent(ctx context.Context, orderID string, intent PaymentIntent) (*Order, error) {
	piAttr, err := attributevalue.Marshal(intent)
	if err != nil {
		return nil, fmt.Errorf("marshal intent: %w", err)
	}
	now := s.nowFunc().UTC()
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      orderKey(orderID),
		UpdateExpression:         awsString(updateAttachIntent),
		ConditionExpression:      awsString(condCanAttachIntent),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pi":      piAttr,
			":created": &types.AttributeValueMemberS{Value: string(StatusCreated)},
			":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
			":one":     &types.AttributeValueMemberN{Value: "1"},
			":now":     &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		var sc *types.ConditionalCheckFailedException
		if errors.As(err, &sc) {
			return nil, ErrIntentConflict
		}
		return nil, fmt.Errorf("update item (attach intent): %w", err)
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Attributes, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// Transition atomically moves the order from in.From to in.To and, when
// in.EventItem is set, records the event in the processed-events table.
// Both writes are conditional:
//   - order:  status must still equal in.From (else ErrStatusMismatch)
//   - event:  attribute_not_exists(event_id) (else ErrEventExists)
func (s *Store) Transition(ctx context.Context, in TransitionInput) error {
	now := s.nowFunc().UTC()

	update := &types.Update{
		TableName:                &s.tableName,
		Key:                      orderKey(in.OrderID),
		UpdateExpression:         awsString(updateTransition),
		ConditionExpression:      awsString(condStatusIs),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":to":   &types.AttributeValueMemberS{Value: string(in.To)},
			":from": &types.AttributeValueMemberS{Value: string(in.From)},
			":one":  &types.AttributeValueMemberN{Value: "1"},
			":now":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":src":  &types.AttributeValueMemberS{Value: in.Source},
			":eid":  &types.AttributeValueMemberS{Value: in.EventID},
			":dg":   &types.AttributeValueMemberS{Value: in.Digest},
			":np":   &types.AttributeValueMemberBOOL{Value: in.Notify},
		},
	}
	if in.Notify {
		update.UpdateExpression = awsString(updateTransition + updateOwesNotify)
		update.ExpressionAttributeValues[":shard"] = &types.AttributeValueMemberS{Value: NotifyShardPending}
	}
	transactItems := []types.TransactWriteItem{{Update: update}}

	if in.EventItem != nil {
		eventMap, err := attributevalue.MarshalMap(in.EventItem)
		if err != nil {
			return fmt.Errorf("marshal event item: %w", err)
		}
		if _, ok := eventMap["event_id"]; !ok {
			return fmt.Errorf("event item missing event_id")
		}
		// caller can include expires_at; if not present, add it
		if _, ok := eventMap["expires_at"]; !ok && s.eventTTL > 0 {
			eventMap["expires_at"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(s.eventTTL).Unix(), 10)}
		}
		transactItems = append(transactItems, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           &s.eventsTable,
				Item:                eventMap,
				ConditionExpression: awsString(condEventNotExists),
			},
		})
	}

	_, err := s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return classifyCancellation(tce)
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// classifyCancellation maps per-item cancellation reasons (same order as the
// transact items: order update, then event put) onto store errors.
func classifyCancellation(tce *types.TransactionCanceledException) error {
	reasons := tce.CancellationReasons
	switch {
	case len(reasons) > 1 && isConditionalFailure(reasons[1]):
		return ErrEventExists
	case len(reasons) == 0 || isConditionalFailure(reasons[0]):
		return ErrStatusMismatch
	default:
		// TransactionConflict, ThrottlingError and friends: retryable by the caller
		return fmt.Errorf("transaction canceled: %w", tce)
	}
}

func isConditionalFailure(r types.CancellationReason) bool {
	return r.Code != nil && *r.Code == "ConditionalCheckFailed"
}

// MarkNotified clears notify_pending once the transition notification for
// status has been published.
func (s *Store) MarkNotified(ctx context.Context, orderID string, status Status) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      orderKey(orderID),
		UpdateExpression:         awsString(updateMarkNotified),
		ConditionExpression:      awsString(condStatusIs),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":from": &types.AttributeValueMemberS{Value: string(status)},
			":now":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		var sc *types.ConditionalCheckFailedException
		if errors.As(err, &sc) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item (mark notified): %w", err)
	}
	return nil
}

// ListPendingBefore returns pending orders whose status last changed before cutoff.
func (s *Store) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]Order, error) {
	cutoff = cutoff.UTC()
	all, err := s.query(ctx, StatusIndex, keyPendingBefore, map[string]string{"#s": "status"}, map[string]types.AttributeValue{
		":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
		":cutoff":  &types.AttributeValueMemberS{Value: cutoff.Format(time.RFC3339Nano)},
	})
	if err != nil {
		return nil, err
	}
	// RFC3339Nano trims trailing zeros, so the string sort key is only
	// accurate to the second.
	out := all[:0]
	for _, o := range all {
		if o.StatusChangedAt.Before(cutoff) {
			out = append(out, o)
		}
	}
	return out, nil
}

// ListUnnotified returns orders whose transition notification was never confirmed.
func (s *Store) ListUnnotified(ctx context.Context) ([]Order, error) {
	return s.query(ctx, NotifyIndex, keyUnnotified, nil, map[string]types.AttributeValue{
		":shard": &types.AttributeValueMemberS{Value: NotifyShardPending},
	})
}

// query pages through index. Index reads are eventually consistent; the
// reconciler re-reads each order before acting on it.
func (s *Store) query(ctx context.Context, index, keyCond string, names map[string]string, values map[string]types.AttributeValue) ([]Order, error) {
	var (
		out   []Order
		start map[string]types.AttributeValue
	)
	for {
		page, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:                 &s.tableName,
			IndexName:                 awsString(index),
			KeyConditionExpression:    awsString(keyCond),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", index, err)
		}
		var batch []Order
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		out = append(out, batch...)
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}

func orderKey(orderID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
