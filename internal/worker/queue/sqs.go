package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSClient is the part of the SQS API the queue uses.
type SQSClient interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSQueue long-polls one message at a time and deletes it as soon as it
// is received. Jobs are never redelivered; a failed job stays failed.
type SQSQueue struct {
	client   SQSClient
	queueURL string
	wait     int32
}

func NewSQSQueue(client SQSClient, queueURL string, wait time.Duration) *SQSQueue {
	secs := int32(wait / time.Second)
	if secs <= 0 || secs > 20 {
		secs = 20
	}
	return &SQSQueue{client: client, queueURL: queueURL, wait: secs}
}

func (q *SQSQueue) Push(ctx context.Context, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(data)),
	})
	if err != nil {
		return fmt.Errorf("failed to send message to queue: %w", err)
	}
	return nil
}

func (q *SQSQueue) Pop(ctx context.Context) (Message, bool, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     q.wait,
	})
	if err != nil {
		return Message{}, false, err
	}
	if len(out.Messages) == 0 {
		return Message{}, false, nil
	}

	raw := out.Messages[0]
	if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: raw.ReceiptHandle,
	}); err != nil {
		return Message{}, false, fmt.Errorf("delete received message: %w", err)
	}

	m, err := decode(aws.ToString(raw.Body))
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

func (q *SQSQueue) Ping(ctx context.Context) error {
	_, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err
}

func (q *SQSQueue) Close() error { return nil }
