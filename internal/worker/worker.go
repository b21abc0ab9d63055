package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/phrase-grounder/internal/queue"
	"github.com/menta2k/phrase-grounder/pkg/detection"
	"github.com/menta2k/phrase-grounder/pkg/engine"
	"github.com/menta2k/phrase-grounder/pkg/processing"
	"github.com/menta2k/phrase-grounder/pkg/types"
)

const requeueTimeout = 5 * time.Second

// Worker runs queued detection jobs through the same pipeline as the HTTP API
type Worker struct {
	Queue     queue.Queue
	Detector  detection.ObjectDetector
	Semaphore chan struct{}
	Wg        sync.WaitGroup
	// RetryDelay is the pause after a failed receive
	RetryDelay time.Duration

	processor *processing.Processor
}

func NewWorker(q queue.Queue, detector detection.ObjectDetector, maxConcurrency int) *Worker {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Worker{
		Queue:      q,
		Detector:   detector,
		Semaphore:  make(chan struct{}, maxConcurrency),
		RetryDelay: time.Second,
		processor:  processing.NewProcessor(),
	}
}

// Start consumes jobs until ctx is cancelled, then waits for in-flight jobs
func (w *Worker) Start(ctx context.Context) {
	slog.Info("worker started, waiting for jobs", "concurrency", cap(w.Semaphore))
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopping")
			w.Wg.Wait()
			return
		default:
		}

		deliveries, err := w.Queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.Error("failed to receive jobs", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(w.RetryDelay):
			}
			continue
		}

		for _, d := range deliveries {
			w.Semaphore <- struct{}{}
			w.Wg.Add(1)
			go func(d queue.Delivery) {
				defer w.Wg.Done()
				defer func() { <-w.Semaphore }()
				w.handle(ctx, d)
			}(d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d queue.Delivery) {
	result, ok := w.Process(ctx, d)
	if !ok {
		w.requeue(ctx, d, result.JobID)
		return
	}

	if err := w.Queue.Publish(ctx, result); err != nil {
		slog.Error("failed to publish result", "job_id", result.JobID, "error", err)
		return
	}
	if err := w.Queue.Ack(ctx, d); err != nil {
		slog.Error("failed to ack job", "job_id", result.JobID, "error", err)
		return
	}
	slog.Info("job completed", "job_id", result.JobID, "objects", len(result.Objects), "failed", result.Error != "")
}

// requeue returns an unanswered job to the queue. It runs even when ctx is
// already cancelled so shutdown does not drop in-flight jobs.
func (w *Worker) requeue(ctx context.Context, d queue.Delivery, jobID string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()

	if err := w.Queue.Requeue(rctx, d); err != nil {
		slog.Error("failed to requeue job", "job_id", jobID, "error", err)
		return
	}
	slog.Warn("job returned to queue", "job_id", jobID)

	// engine not ready: back off before this slot takes another job
	select {
	case <-ctx.Done():
	case <-time.After(w.RetryDelay):
	}
}

// Process runs one job. It reports false when the job should be redelivered
// rather than answered, which happens when the engine is unavailable or the
// worker is shutting down.
func (w *Worker) Process(ctx context.Context, d queue.Delivery) (types.JobResult, bool) {
	var job types.Job
	if err := json.Unmarshal([]byte(d.Body), &job); err != nil {
		jobID := salvageJobID(d.Body)
		slog.Error("malformed job payload", "job_id", jobID, "error", err)
		return types.JobResult{JobID: jobID, Error: "invalid job payload: " + err.Error()}, true
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	result := types.JobResult{JobID: job.JobID}
	log := slog.With("job_id", job.JobID)

	img, err := w.processor.DecodeBase64Image(job.ImageB64)
	if err != nil {
		log.Warn("job image could not be decoded", "error", err)
		result.Error = err.Error()
		return result, true
	}

	log.Info("processing job")
	detected, err := w.Detector.DetectObjects(ctx, img)
	if err != nil {
		if errors.Is(err, engine.ErrNotReady) || ctx.Err() != nil {
			return result, false
		}
		log.Error("detection failed", "error", err)
		result.Error = err.Error()
		return result, true
	}

	result.Caption = detected.Caption
	result.Objects = detected.Objects
	return result, true
}

var jobIDField = regexp.MustCompile(`"job_id"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// salvageJobID recovers the producer's job id from a payload that failed to
// decode as a Job, so the error result can still be correlated.
func salvageJobID(body string) string {
	var partial struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal([]byte(body), &partial); err == nil && partial.JobID != "" {
		return partial.JobID
	}
	if m := jobIDField.FindStringSubmatch(body); m != nil {
		var id string
		if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &id); err == nil && id != "" {
			return id
		}
	}
	return uuid.NewString()
}
