// Package queue moves detection jobs and results through Redis lists or SQS.
package queue

import (
	"context"

	"github.com/menta2k/phrase-grounder/pkg/types"
)

// Delivery is one received job payload
type Delivery struct {
	Body string
	// Receipt identifies the delivery for Ack; empty for Redis lists
	Receipt string
}

// Queue is a job source and result sink
type Queue interface {
	// Receive blocks until jobs arrive or the backend's poll window ends.
	// An empty slice with a nil error means nothing arrived.
	Receive(ctx context.Context) ([]Delivery, error)
	Publish(ctx context.Context, result types.JobResult) error
	// Ack removes a delivery from the source once its result is published
	Ack(ctx context.Context, d Delivery) error
	// Requeue hands an unanswered delivery back to the source
	Requeue(ctx context.Context, d Delivery) error
}
