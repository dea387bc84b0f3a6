// Package queue publishes per-request usage events for downstream billing
// and analytics consumers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type UsageEvent struct {
	RequestID        string    `json:"request_id"`
	Username         string    `json:"username"`
	Model            string    `json:"model"`
	Endpoint         string    `json:"endpoint"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

type Queue interface {
	SendUsage(ctx context.Context, event UsageEvent) error
	ReceiveUsage(ctx context.Context, maxMessages int) ([]UsageEvent, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type SQSQueue struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSQueue(ctx context.Context, region, queueURL string) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSQueue{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func NewSQSQueueWithConfig(cfg aws.Config, queueURL string) *SQSQueue {
	return &SQSQueue{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (q *SQSQueue) SendUsage(ctx context.Context, event UsageEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Username": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Username),
			},
			"RequestID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.RequestID),
			},
		},
	}

	_, err = q.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

func (q *SQSQueue) ReceiveUsage(ctx context.Context, maxMessages int) ([]UsageEvent, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       20,
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	events := make([]UsageEvent, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var event UsageEvent
		if err := json.Unmarshal([]byte(*msg.Body), &event); err != nil {
			slog.Warn("failed to unmarshal usage event", "error", err)
			continue
		}
		events = append(events, event)
	}

	return events, nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	_, err := q.client.DeleteMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	return nil
}

type InMemoryQueue struct {
	mu     sync.Mutex
	events []UsageEvent
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		events: make([]UsageEvent, 0),
	}
}

func (q *InMemoryQueue) SendUsage(ctx context.Context, event UsageEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, event)
	return nil
}

func (q *InMemoryQueue) ReceiveUsage(ctx context.Context, maxMessages int) ([]UsageEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := maxMessages
	if count > len(q.events) {
		count = len(q.events)
	}

	result := make([]UsageEvent, count)
	copy(result, q.events[:count])
	q.events = q.events[count:]

	return result, nil
}

func (q *InMemoryQueue) Delete(ctx context.Context, receiptHandle string) error {
	return nil
}

func (q *InMemoryQueue) GetEvents() []UsageEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]UsageEvent, len(q.events))
	copy(result, q.events)
	return result
}
