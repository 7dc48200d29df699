package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/imrishuroy/go-payment-reconciliation/internal/aws"
)

// Store is the ProcessedEventLog: at most one entry per provider event id.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration // dedup window; entries expire via DynamoDB TTL afterwards
	nowFunc   func() time.Time
}

// NewStore returns a configured Store.
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

// CreateIfNotExists records entry unless its event id is already present.
// Returns (created=true, nil) if successfully created.
// Returns (created=false, nil) if the event was already recorded (caller should Get to inspect).
// Returns (created=false, err) on other errors.
func (s *Store) CreateIfNotExists(ctx context.Context, entry Entry) (bool, error) {
	if entry.EventID == "" {
		return false, errors.New("event id is required")
	}
	now := s.nowFunc().UTC()
	if entry.AppliedAt.IsZero() {
		entry.AppliedAt = now
	}
	if entry.ExpiresAt == 0 && s.ttlWindow > 0 {
		entry.ExpiresAt = now.Add(s.ttlWindow).Unix()
	}

	item, err := attributevalue.MarshalMap(entry)
	if err != nil {
		return false, fmt.Errorf("marshal entry: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(event_id)"),
	})
	if err != nil {
		// detect conditional check failure
		var sc smithy.APIError
		if errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException" {
			return false, nil
		}
		return false, fmt.Errorf("put item: %w", err)
	}
	return true, nil
}

// Get retrieves an entry by event id. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, eventID string) (*Entry, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"event_id": &types.AttributeValueMemberS{Value: eventID},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var e Entry
	if err := attributevalue.UnmarshalMap(out.Item, &e); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &e, nil
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
