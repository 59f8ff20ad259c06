package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aescanero/labexec/pkg/domain"
)

// Store implements ExecutionStore and ExperimentStore using in-memory maps.
// Records are copied on the way in and out so callers never share memory
// with the store.
type Store struct {
	executions  map[string]*domain.Execution
	experiments map[string]*domain.Experiment
	mu          sync.RWMutex
}

// NewStore creates a new in-memory store
func NewStore() *Store {
	return &Store{
		executions:  make(map[string]*domain.Execution),
		experiments: make(map[string]*domain.Experiment),
	}
}

// Save upserts an execution
func (s *Store) Save(ctx context.Context, execution *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions[execution.ID] = execution.Clone()
	return nil
}

// FindByID returns the execution with the given id
func (s *Store) FindByID(ctx context.Context, id string) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, domain.NotFoundf("execution not found: %s", id)
	}
	return e.Clone(), nil
}

// FindAllByExperimentID returns the executions of an experiment, oldest first
func (s *Store) FindAllByExperimentID(ctx context.Context, experimentID string) ([]*domain.Execution, error) {
	return s.filter(func(e *domain.Execution) bool { return e.ExperimentID == experimentID }), nil
}

// FindAllByOwnerID returns the executions of an owner, oldest first
func (s *Store) FindAllByOwnerID(ctx context.Context, ownerID string) ([]*domain.Execution, error) {
	return s.filter(func(e *domain.Execution) bool { return e.OwnerID == ownerID }), nil
}

func (s *Store) filter(match func(*domain.Execution) bool) []*domain.Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Execution, 0)
	for _, e := range s.executions {
		if match(e) {
			result = append(result, e.Clone())
		}
	}
	sortExecutions(result)
	return result
}

// FindExperiment returns the experiment with the given id
func (s *Store) FindExperiment(ctx context.Context, id string) (*domain.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.experiments[id]
	if !ok {
		return nil, domain.NotFoundf("experiment not found: %s", id)
	}
	c := *exp
	return &c, nil
}

// SaveExperiment upserts an experiment
func (s *Store) SaveExperiment(ctx context.Context, experiment *domain.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *experiment
	s.experiments[experiment.ID] = &c
	return nil
}

func sortExecutions(executions []*domain.Execution) {
	sort.SliceStable(executions, func(i, j int) bool {
		if executions[i].CreatedAt.Equal(executions[j].CreatedAt) {
			return executions[i].ID < executions[j].ID
		}
		return executions[i].CreatedAt.Before(executions[j].CreatedAt)
	})
}
