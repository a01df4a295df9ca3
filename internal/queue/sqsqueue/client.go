// Package sqsqueue implements queue.Client against Amazon SQS, grounded on
// the teacher's long-poll ReceiveMessage loop (the RabbitMQ equivalent of
// Qos(1)+Consume) and on nexs-lib's providers/sqs consumer for the exact
// SQS call shapes: ReceiveMessage, DeleteMessage, ChangeMessageVisibility.
package sqsqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/sentinelq/flowqueue/internal/domain"
	"github.com/sentinelq/flowqueue/internal/queue"
)

// Client implements queue.Client against a single SQS queue. Its
// dead-letter queue is resolved (or created) at connect time; no redrive
// policy is set on the main queue.
type Client struct {
	api      *awssqs.Client
	queueURL string
	dlqURL   string
}

// Connect resolves (or creates) queueName and its dead-letter queue, and
// returns a Client ready for Dequeue/Ack/Nack. A queue that does not exist
// is created; a denied credential or any other lookup or create failure is
// returned synchronously.
func Connect(ctx context.Context, api *awssqs.Client, queueName, dlQueueName string) (*Client, error) {
	queueURL, err := resolveOrCreateQueue(ctx, api, queueName, nil)
	if err != nil {
		return nil, fmt.Errorf("sqsqueue: resolve queue %q: %w", queueName, err)
	}

	dlqURL, err := resolveOrCreateQueue(ctx, api, dlQueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("sqsqueue: resolve dead-letter queue %q: %w", dlQueueName, err)
	}

	return &Client{api: api, queueURL: queueURL, dlqURL: dlqURL}, nil
}

func resolveOrCreateQueue(ctx context.Context, api *awssqs.Client, name string, attrs map[string]string) (string, error) {
	got, err := api.GetQueueUrl(ctx, &awssqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err == nil {
		return aws.ToString(got.QueueUrl), nil
	}

	var notFound *types.QueueDoesNotExist
	if !errors.As(err, &notFound) {
		return "", err
	}

	created, err := api.CreateQueue(ctx, &awssqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: attrs,
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(created.QueueUrl), nil
}

// Dequeue long-polls up to maxCount messages, waiting up to pollTimeout for
// the first one. SQS caps both ReceiveMessage parameters internally; the
// listener pool is responsible for keeping maxCount within its configured
// dequeueLimit.
func (c *Client) Dequeue(ctx context.Context, maxCount int, pollTimeout time.Duration) ([]*domain.Message, error) {
	out, err := c.api.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   int32(maxCount),
		WaitTimeSeconds:       int32(pollTimeout.Seconds()),
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []types.QueueAttributeName{types.QueueAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		if isFatal(err) {
			return nil, &queue.FatalError{Op: "dequeue", Err: err}
		}
		return nil, err
	}

	msgs := make([]*domain.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		attrs := make(map[string]string, len(m.MessageAttributes))
		for k, v := range m.MessageAttributes {
			attrs[k] = aws.ToString(v.StringValue)
		}

		attempts := 0
		if s, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			fmt.Sscanf(s, "%d", &attempts)
		}

		msgs = append(msgs, &domain.Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          []byte(aws.ToString(m.Body)),
			Attributes:    attrs,
			Attempts:      attempts,
		})
	}

	return msgs, nil
}

// Ack permanently removes msg from the queue.
func (c *Client) Ack(ctx context.Context, msg *domain.Message) error {
	_, err := c.api.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	return err
}

// Nack zeroes the message's visibility timeout so it is immediately
// eligible for redelivery, rather than waiting out the original timeout.
func (c *Client) Nack(ctx context.Context, msg *domain.Message) error {
	_, err := c.api.ChangeMessageVisibility(ctx, &awssqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(msg.ReceiptHandle),
		VisibilityTimeout: 0,
	})
	return err
}

func (c *Client) Close() error { return nil }

// isFatal reports whether an SQS API error is one no amount of retrying
// will fix: bad credentials or a queue that no longer exists.
func isFatal(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "AccessDenied", "UnrecognizedClientException", "InvalidClientTokenId",
		"AWS.SimpleQueueService.NonExistentQueue":
		return true
	default:
		return false
	}
}
