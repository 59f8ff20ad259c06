package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aescanero/labexec/pkg/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store implements ExecutionStore and ExperimentStore using Redis.
//
// Executions are stored as JSON under labexec:execution:<id>. Two sorted sets
// scored by creation time index them by experiment and by owner so list
// queries come back oldest first.
type Store struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewStore creates a new Redis store. A zero ttl keeps records forever;
// retention is left to an external policy.
func NewStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// Save upserts an execution and its index entries in one transaction
func (s *Store) Save(ctx context.Context, execution *domain.Execution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	member := redis.Z{
		Score:  float64(execution.CreatedAt.UnixNano()),
		Member: execution.ID,
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, executionKey(execution.ID), data, s.ttl)
		pipe.ZAdd(ctx, experimentIndexKey(execution.ExperimentID), member)
		pipe.ZAdd(ctx, ownerIndexKey(execution.OwnerID), member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	s.logger.Debug("execution saved",
		zap.String("execution_id", execution.ID),
		zap.String("status", string(execution.Status)))

	return nil
}

// FindByID returns the execution with the given id
func (s *Store) FindByID(ctx context.Context, id string) (*domain.Execution, error) {
	data, err := s.client.Get(ctx, executionKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, domain.NotFoundf("execution not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	var execution domain.Execution
	if err := json.Unmarshal(data, &execution); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}

	return &execution, nil
}

// FindAllByExperimentID returns the executions of an experiment, oldest first
func (s *Store) FindAllByExperimentID(ctx context.Context, experimentID string) ([]*domain.Execution, error) {
	return s.findByIndex(ctx, experimentIndexKey(experimentID))
}

// FindAllByOwnerID returns the executions of an owner, oldest first
func (s *Store) FindAllByOwnerID(ctx context.Context, ownerID string) ([]*domain.Execution, error) {
	return s.findByIndex(ctx, ownerIndexKey(ownerID))
}

func (s *Store) findByIndex(ctx context.Context, indexKey string) ([]*domain.Execution, error) {
	ids, err := s.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	executions := make([]*domain.Execution, 0, len(ids))
	if len(ids) == 0 {
		return executions, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = executionKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get executions: %w", err)
	}

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// expired record, index entry is stale
			s.logger.Debug("skipping stale index entry",
				zap.String("index", indexKey),
				zap.String("execution_id", ids[i]))
			continue
		}

		var execution domain.Execution
		if err := json.Unmarshal([]byte(raw), &execution); err != nil {
			s.logger.Warn("skipping undecodable execution",
				zap.String("execution_id", ids[i]),
				zap.Error(err))
			continue
		}
		executions = append(executions, &execution)
	}

	return executions, nil
}

// FindExperiment returns the experiment with the given id
func (s *Store) FindExperiment(ctx context.Context, id string) (*domain.Experiment, error) {
	data, err := s.client.Get(ctx, experimentKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, domain.NotFoundf("experiment not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}

	var experiment domain.Experiment
	if err := json.Unmarshal(data, &experiment); err != nil {
		return nil, fmt.Errorf("failed to unmarshal experiment: %w", err)
	}

	return &experiment, nil
}

// SaveExperiment upserts an experiment
func (s *Store) SaveExperiment(ctx context.Context, experiment *domain.Experiment) error {
	data, err := json.Marshal(experiment)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment: %w", err)
	}

	if err := s.client.Set(ctx, experimentKey(experiment.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save experiment: %w", err)
	}

	return nil
}

func executionKey(id string) string {
	return fmt.Sprintf("labexec:execution:%s", id)
}

func experimentKey(id string) string {
	return fmt.Sprintf("labexec:experiment:%s", id)
}

func experimentIndexKey(experimentID string) string {
	return fmt.Sprintf("labexec:index:experiment:%s", experimentID)
}

func ownerIndexKey(ownerID string) string {
	return fmt.Sprintf("labexec:index:owner:%s", ownerID)
}
