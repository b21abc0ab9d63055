package main

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/menta2k/phrase-grounder/internal/config"
	"github.com/menta2k/phrase-grounder/internal/queue"
	"github.com/menta2k/phrase-grounder/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume detection jobs from Redis or SQS",
	Long: `Reads {"job_id","image_b64"} jobs from the configured queue, runs the
detection pipeline and publishes {"job_id","objects","caption","error"} results.`,
	RunE: workerCommand,
}

func workerCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	q, closeQueue, err := newQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer closeQueue()

	g, err := newGrounder(cfg)
	if err != nil {
		return err
	}
	if err := g.Init(ctx); err != nil {
		return err
	}

	w := worker.NewWorker(q, g.Detector(), cfg.Queue.Concurrency)
	w.Start(ctx)
	return nil
}

func newQueue(ctx context.Context, cfg config.QueueConfig) (queue.Queue, func(), error) {
	switch cfg.Driver {
	case config.QueueRedis:
		if cfg.Redis.InputQueue == "" || cfg.Redis.OutputQueue == "" {
			return nil, nil, fmt.Errorf("queue.redis.input_queue and queue.redis.output_queue must be set")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		q := queue.NewRedisQueue(client, cfg.Redis.InputQueue, cfg.Redis.OutputQueue)
		if err := q.Ping(ctx); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis %s unreachable: %w", cfg.Redis.Addr, err)
		}
		slog.Info("consuming redis queue", "addr", cfg.Redis.Addr, "input", cfg.Redis.InputQueue, "output", cfg.Redis.OutputQueue)
		return q, func() { client.Close() }, nil

	case config.QueueSQS:
		if cfg.SQS.InputQueueURL == "" || cfg.SQS.OutputQueueURL == "" {
			return nil, nil, fmt.Errorf("queue.sqs.input_queue_url and queue.sqs.output_queue_url must be set")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SQS.Region))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		slog.Info("consuming sqs queue", "region", cfg.SQS.Region, "input", cfg.SQS.InputQueueURL)
		return queue.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.SQS.InputQueueURL, cfg.SQS.OutputQueueURL), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown queue driver: %s", cfg.Driver)
	}
}
