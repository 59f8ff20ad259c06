package sql

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aescanero/labexec/pkg/domain"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// executionRecord is the row layout of the executions table
type executionRecord struct {
	ID           string     `gorm:"type:varchar(36);primarykey"`
	ExperimentID string     `gorm:"type:varchar(36);not null;index"`
	OwnerID      string     `gorm:"type:varchar(100);not null;index"`
	Name         string     `gorm:"type:varchar(255)"`
	RAM          string     `gorm:"type:varchar(32)"`
	CPU          string     `gorm:"type:varchar(32)"`
	BookedTime   int64      `gorm:"not null"`
	Status       string     `gorm:"type:varchar(20);not null;index"`
	Message      string     `gorm:"type:text"`
	CreatedAt    time.Time  `gorm:"precision:6;not null;index"`
	StartedAt    *time.Time `gorm:"precision:6"`
	TerminatedAt *time.Time `gorm:"precision:6"`
}

func (executionRecord) TableName() string { return "executions" }

// experimentRecord is the row layout of the experiments table
type experimentRecord struct {
	ID      string `gorm:"type:varchar(36);primarykey"`
	Name    string `gorm:"type:varchar(255)"`
	OwnerID string `gorm:"type:varchar(100);not null;index"`
	Image   string `gorm:"type:varchar(500)"`
	// Command, Args and Env hold JSON documents
	Command string `gorm:"type:text"`
	Args    string `gorm:"type:text"`
	Env     string `gorm:"type:text"`
}

func (experimentRecord) TableName() string { return "experiments" }

// Store implements ExecutionStore and ExperimentStore on a relational
// database through GORM.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to MySQL and migrates the schema
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&executionRecord{}, &experimentRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return NewStore(db, logger), nil
}

// NewStore wraps an open GORM handle
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}
	return sqlDB.Close()
}

// Save upserts an execution
func (s *Store) Save(ctx context.Context, execution *domain.Execution) error {
	rec := toExecutionRecord(execution)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// FindByID returns the execution with the given id
func (s *Store) FindByID(ctx context.Context, id string) (*domain.Execution, error) {
	var rec executionRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.NotFoundf("execution not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return rec.toDomain(), nil
}

// FindAllByExperimentID returns the executions of an experiment, oldest first
func (s *Store) FindAllByExperimentID(ctx context.Context, experimentID string) ([]*domain.Execution, error) {
	return s.findWhere(ctx, "experiment_id = ?", experimentID)
}

// FindAllByOwnerID returns the executions of an owner, oldest first
func (s *Store) FindAllByOwnerID(ctx context.Context, ownerID string) ([]*domain.Execution, error) {
	return s.findWhere(ctx, "owner_id = ?", ownerID)
}

func (s *Store) findWhere(ctx context.Context, query string, arg string) ([]*domain.Execution, error) {
	var recs []executionRecord
	err := s.db.WithContext(ctx).
		Where(query, arg).
		Order("created_at asc").
		Order("id asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	executions := make([]*domain.Execution, 0, len(recs))
	for i := range recs {
		executions = append(executions, recs[i].toDomain())
	}
	return executions, nil
}

// FindExperiment returns the experiment with the given id
func (s *Store) FindExperiment(ctx context.Context, id string) (*domain.Experiment, error) {
	var rec experimentRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, domain.NotFoundf("experiment not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}

	exp := &domain.Experiment{
		ID:      rec.ID,
		Name:    rec.Name,
		OwnerID: rec.OwnerID,
		Image:   rec.Image,
	}
	if err := decodeJSON(rec.Command, &exp.Command); err != nil {
		return nil, fmt.Errorf("failed to decode experiment command: %w", err)
	}
	if err := decodeJSON(rec.Args, &exp.Args); err != nil {
		return nil, fmt.Errorf("failed to decode experiment args: %w", err)
	}
	if err := decodeJSON(rec.Env, &exp.Env); err != nil {
		return nil, fmt.Errorf("failed to decode experiment env: %w", err)
	}
	return exp, nil
}

// SaveExperiment upserts an experiment
func (s *Store) SaveExperiment(ctx context.Context, experiment *domain.Experiment) error {
	command, err := json.Marshal(experiment.Command)
	if err != nil {
		return fmt.Errorf("failed to encode experiment command: %w", err)
	}
	args, err := json.Marshal(experiment.Args)
	if err != nil {
		return fmt.Errorf("failed to encode experiment args: %w", err)
	}
	env, err := json.Marshal(experiment.Env)
	if err != nil {
		return fmt.Errorf("failed to encode experiment env: %w", err)
	}

	rec := experimentRecord{
		ID:      experiment.ID,
		Name:    experiment.Name,
		OwnerID: experiment.OwnerID,
		Image:   experiment.Image,
		Command: string(command),
		Args:    string(args),
		Env:     string(env),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save experiment: %w", err)
	}
	return nil
}

func toExecutionRecord(e *domain.Execution) executionRecord {
	return executionRecord{
		ID:           e.ID,
		ExperimentID: e.ExperimentID,
		OwnerID:      e.OwnerID,
		Name:         e.Name,
		RAM:          e.Resources.RAM,
		CPU:          e.Resources.CPU,
		BookedTime:   int64(e.BookedTime),
		Status:       string(e.Status),
		Message:      e.Message,
		CreatedAt:    e.CreatedAt,
		StartedAt:    e.StartedAt,
		TerminatedAt: e.TerminatedAt,
	}
}

func (r *executionRecord) toDomain() *domain.Execution {
	return &domain.Execution{
		ID:           r.ID,
		ExperimentID: r.ExperimentID,
		OwnerID:      r.OwnerID,
		Name:         r.Name,
		Resources:    domain.Resources{RAM: r.RAM, CPU: r.CPU},
		BookedTime:   time.Duration(r.BookedTime),
		Status:       domain.ExecutionStatus(r.Status),
		Message:      r.Message,
		CreatedAt:    r.CreatedAt,
		StartedAt:    r.StartedAt,
		TerminatedAt: r.TerminatedAt,
	}
}

func decodeJSON(raw string, v interface{}) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}
