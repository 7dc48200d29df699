package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Publisher wraps an SQS client and a queue URL.
type Publisher struct {
	SQS      SQSAPI
	QueueURL string
}

// NewPublisher returns a Publisher bound to a queue URL.
func NewPublisher(sqsClient SQSAPI, queueURL string) *Publisher {
	return &Publisher{
		SQS:      sqsClient,
		QueueURL: queueURL,
	}
}

// Message is one outbound queue message. DedupID and GroupID are only sent
// to FIFO queues, where SQS drops a second message with the same DedupID
// inside the 5 minute deduplication interval.
type Message struct {
	Body       string
	Attributes map[string]string
	DedupID    string
	GroupID    string
}

// IsFIFO reports whether the bound queue is a FIFO queue.
func (p *Publisher) IsFIFO() bool {
	return strings.HasSuffix(p.QueueURL, ".fifo")
}

// Send publishes msg to the queue. String attributes are sent as MessageAttributes.
func (p *Publisher) Send(ctx context.Context, msg Message) error {
	if p.QueueURL == "" {
		return fmt.Errorf("send message: queue url not configured")
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: &msg.Body,
	}
	if len(msg.Attributes) > 0 {
		msgAttrs := map[string]sqstypes.MessageAttributeValue{}
		for k, v := range msg.Attributes {
			if v == "" {
				// SQS rejects empty attribute values
				continue
			}
			msgAttrs[k] = sqstypes.MessageAttributeValue{
				DataType:    awsString("String"),
				StringValue: awsString(v),
			}
		}
		input.MessageAttributes = msgAttrs
	}
	if p.IsFIFO() {
		if msg.DedupID != "" {
			input.MessageDeduplicationId = awsString(msg.DedupID)
		}
		if msg.GroupID != "" {
			input.MessageGroupId = awsString(msg.GroupID)
		}
	}

	_, err := p.SQS.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// awsString helper
func awsString(s string) *string { return &s }
