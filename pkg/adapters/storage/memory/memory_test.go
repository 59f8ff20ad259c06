package memory

import (
	"context"
	"testing"
	"time"

	"github.com/aescanero/labexec/pkg/domain"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveAndFind(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	e := &domain.Execution{ID: "e1", ExperimentID: "x1", OwnerID: "u1", Status: domain.ExecutionStatusWaiting, CreatedAt: time.Now()}
	require.NoError(t, s.Save(ctx, e))

	got, err := s.FindByID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, e, got)

	got.Status = domain.ExecutionStatusRunning
	again, err := s.FindByID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusWaiting, again.Status)

	_, err = s.FindByID(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestStore_ListsAreOrderedByCreation(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Now()

	require.NoError(t, s.Save(ctx, &domain.Execution{ID: "c", ExperimentID: "x1", OwnerID: "u1", CreatedAt: base.Add(2 * time.Second)}))
	require.NoError(t, s.Save(ctx, &domain.Execution{ID: "a", ExperimentID: "x1", OwnerID: "u2", CreatedAt: base}))
	require.NoError(t, s.Save(ctx, &domain.Execution{ID: "b", ExperimentID: "x2", OwnerID: "u1", CreatedAt: base.Add(time.Second)}))

	byExperiment, err := s.FindAllByExperimentID(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(byExperiment))

	byOwner, err := s.FindAllByOwnerID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(byOwner))

	none, err := s.FindAllByOwnerID(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_Experiments(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := s.FindExperiment(ctx, "x1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	require.NoError(t, s.SaveExperiment(ctx, &domain.Experiment{ID: "x1", Name: "exp", OwnerID: "u1"}))
	exp, err := s.FindExperiment(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, "exp", exp.Name)
}

func ids(executions []*domain.Execution) []string {
	out := make([]string, len(executions))
	for i, e := range executions {
		out[i] = e.ID
	}
	return out
}
