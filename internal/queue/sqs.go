package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/menta2k/phrase-grounder/pkg/types"
)

// SQSAPI is the subset of the SQS client the queue uses
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

type SQSQueue struct {
	Client      SQSAPI
	InputQueue  string
	OutputQueue string
	// VisibilityTimeout must exceed the slowest detection
	VisibilityTimeout int32
}

func NewSQSQueue(client SQSAPI, inputQueue, outputQueue string) *SQSQueue {
	return &SQSQueue{
		Client:            client,
		InputQueue:        inputQueue,
		OutputQueue:       outputQueue,
		VisibilityTimeout: 300,
	}
}

func (q *SQSQueue) Receive(ctx context.Context) ([]Delivery, error) {
	output, err := q.Client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.InputQueue),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   q.VisibilityTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}

	deliveries := make([]Delivery, 0, len(output.Messages))
	for _, msg := range output.Messages {
		deliveries = append(deliveries, Delivery{
			Body:    aws.ToString(msg.Body),
			Receipt: aws.ToString(msg.ReceiptHandle),
		})
	}
	return deliveries, nil
}

func (q *SQSQueue) Publish(ctx context.Context, result types.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	_, err = q.Client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.OutputQueue),
		MessageBody: aws.String(string(data)),
	})
	if err != nil {
		return fmt.Errorf("failed to send message to output queue: %w", err)
	}
	return nil
}

func (q *SQSQueue) Ack(ctx context.Context, d Delivery) error {
	if d.Receipt == "" {
		return nil
	}
	_, err := q.Client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.InputQueue),
		ReceiptHandle: aws.String(d.Receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}

// Requeue makes the message visible again right away instead of waiting out
// the visibility timeout
func (q *SQSQueue) Requeue(ctx context.Context, d Delivery) error {
	if d.Receipt == "" {
		return nil
	}
	_, err := q.Client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.InputQueue),
		ReceiptHandle:     aws.String(d.Receipt),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility: %w", err)
	}
	return nil
}
