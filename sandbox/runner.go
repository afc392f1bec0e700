package sandbox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// QueryRunner executes a validated statement against a sandbox's schema
// under a hard deadline. Every implementation runs the guard first and fails
// closed on an invalid query without touching the engine.
type QueryRunner interface {
	// Execute runs the statement. The effective deadline is the earlier of
	// the context deadline and the configured query timeout; exceeding it
	// yields ErrTimedOut. Engine errors surface only in sanitized form.
	Execute(ctx context.Context, sb *Sandbox, query string) (*QueryResult, error)

	// Validate checks the statement against the effective policy for the
	// lesson without executing anything.
	Validate(query string, lessonID int64) ValidationResult
}

// MockRunner implements QueryRunner without a database. SELECT-style
// statements are served from the lesson's fixture dataset; DML statements
// report a single affected row. Used in tests and with the mock backend.
type MockRunner struct {
	logger   *zap.Logger
	cfg      *Config
	guard    *Guard
	fixtures FixtureSource
}

// NewMockRunner creates a runner serving fixture datasets.
func NewMockRunner(logger *zap.Logger, cfg *Config, guard *Guard, fixtures FixtureSource) *MockRunner {
	return &MockRunner{
		logger:   logger,
		cfg:      cfg,
		guard:    guard,
		fixtures: fixtures,
	}
}

// Execute implements QueryRunner.
func (r *MockRunner) Execute(_ context.Context, sb *Sandbox, query string) (*QueryResult, error) {
	validation := r.guard.Validate(query, sb.LessonID)
	if !validation.Valid {
		return nil, &ValidationError{Errors: validation.Errors}
	}

	start := time.Now()

	if validation.QueryType == "SELECT" || validation.QueryType == "WITH" {
		columns := []string{"id", "name", "value"}
		rows := [][]any{
			{1, "Sample A", 100},
			{2, "Sample B", 200},
		}
		if fixture, ok := r.fixtures.Fixture(sb.LessonID); ok && fixture.Dataset != nil {
			columns = fixture.Dataset.Columns
			rows = fixture.Dataset.Rows
		}
		if len(rows) > r.cfg.MaxResultRows {
			rows = rows[:r.cfg.MaxResultRows]
		}
		return &QueryResult{
			Columns:       columns,
			Rows:          rows,
			RowCount:      len(rows),
			ExecutionTime: time.Since(start).Seconds(),
		}, nil
	}

	affected := int64(1)
	return &QueryResult{
		Columns:       []string{},
		Rows:          [][]any{},
		ExecutionTime: time.Since(start).Seconds(),
		AffectedRows:  &affected,
	}, nil
}

// Validate implements QueryRunner.
func (r *MockRunner) Validate(query string, lessonID int64) ValidationResult {
	return r.guard.Validate(query, lessonID)
}
