package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aescanero/labexec/pkg/domain"
	"github.com/avast/retry-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	resultsKey    = "labexec:results"
	resultsStream = "labexec:results:stream"
)

// Reporter stores results in a Redis hash keyed by execution id and appends
// a notification to a stream the results collector consumes.
type Reporter struct {
	client     *redis.Client
	attempts   uint
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewReporter creates a new Redis result reporter
func NewReporter(client *redis.Client, attempts uint, retryDelay time.Duration, logger *zap.Logger) *Reporter {
	if attempts == 0 {
		attempts = 1
	}
	return &Reporter{
		client:     client,
		attempts:   attempts,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// Deliver stores the payload and notifies the collector
func (r *Reporter) Deliver(ctx context.Context, payload domain.ResultPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	return r.withRetry(ctx, "deliver", func() error {
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, resultsKey, payload.ExecutionID, data)
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: resultsStream,
				Values: map[string]interface{}{
					"op":           "deliver",
					"execution_id": payload.ExecutionID,
					"owner_id":     payload.OwnerID,
					"status":       string(payload.Status),
				},
			})
			return nil
		})
		return err
	})
}

// DeleteResults removes stored results for the given executions
func (r *Reporter) DeleteResults(ctx context.Context, executionIDs []string) error {
	if len(executionIDs) == 0 {
		return nil
	}

	return r.withRetry(ctx, "delete", func() error {
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, resultsKey, executionIDs...)
			for _, id := range executionIDs {
				pipe.XAdd(ctx, &redis.XAddArgs{
					Stream: resultsStream,
					Values: map[string]interface{}{
						"op":           "delete",
						"execution_id": id,
					},
				})
			}
			return nil
		})
		return err
	})
}

// Result returns a stored result, mainly for inspection and tests
func (r *Reporter) Result(ctx context.Context, executionID string) (*domain.ResultPayload, error) {
	data, err := r.client.HGet(ctx, resultsKey, executionID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, domain.NotFoundf("result not found: %s", executionID)
		}
		return nil, fmt.Errorf("failed to get result: %w", err)
	}

	var payload domain.ResultPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &payload, nil
}

func (r *Reporter) withRetry(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn("results store call failed, retrying",
				zap.String("op", op),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to %s results: %w", op, err)
	}
	return nil
}
